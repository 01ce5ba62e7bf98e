package twilio

// Twilio Media Streams wire messages. One JSON object per WebSocket text
// frame, discriminated by the "event" field. Inbound events: connected,
// start, media, dtmf, mark, stop. Outbound events: media, mark, clear.

type wireMessage struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSid      string     `json:"streamSid,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	Version        string     `json:"version,omitempty"`
	Start          *wireStart `json:"start,omitempty"`
	Media          *wireMedia `json:"media,omitempty"`
	DTMF           *wireDTMF  `json:"dtmf,omitempty"`
	Mark           *wireMark  `json:"mark,omitempty"`
	Stop           *wireStop  `json:"stop,omitempty"`
}

type wireStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      *wireMediaFormat  `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type wireMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded μ-law
}

type wireDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireStop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Custom <Parameter> names the gateway attaches at dial time and reads back
// from the start event.
const (
	paramDirection = "direction"
	paramFrom      = "from"
	paramTo        = "to"
)
