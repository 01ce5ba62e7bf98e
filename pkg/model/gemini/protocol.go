package gemini

import "encoding/json"

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string                    `json:"model"`
	GenerationConfig         generationConfig          `json:"generationConfig"`
	SystemInstruction        *systemInstruction        `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool              `json:"tools,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig      `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *json.RawMessage          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *json.RawMessage          `json:"outputAudioTranscription,omitempty"`
	SessionResumption        *sessionResumption        `json:"sessionResumption,omitempty"`
	ContextWindowCompression *contextWindowCompression `json:"contextWindowCompression,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  voiceConfig `json:"voiceConfig"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type contextWindowCompression struct {
	SlidingWindow *json.RawMessage `json:"slidingWindow,omitempty"`
	TriggerTokens int              `json:"triggerTokens,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk     `json:"mediaChunks,omitempty"`
	ActivityStart  *json.RawMessage `json:"activityStart,omitempty"`
	ActivityEnd    *json.RawMessage `json:"activityEnd,omitempty"`
	AudioStreamEnd bool             `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Response   json.RawMessage `json:"response"`
	Scheduling string          `json:"scheduling,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage         `json:"setupComplete,omitempty"`
	ServerContent           *serverContent           `json:"serverContent,omitempty"`
	ToolCall                *toolCallMsg             `json:"toolCall,omitempty"`
	ToolCallCancellation    *json.RawMessage         `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *sessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAwayMsg               `json:"goAway,omitempty"`
	UsageMetadata           *json.RawMessage         `json:"usageMetadata,omitempty"`
	Error                   *geminiError             `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type sessionResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

// goAwayMsg carries the remaining time as a protobuf Duration string, e.g.
// "30s" or "12.5s".
type goAwayMsg struct {
	TimeLeft string `json:"timeLeft"`
}

// emptyObject is used for fields whose presence alone enables a feature.
var emptyObject = json.RawMessage(`{}`)
