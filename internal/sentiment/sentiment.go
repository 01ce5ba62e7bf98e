// Package sentiment scores finished calls with an OpenAI-compatible chat
// model. Given the aggregated transcript it produces a sentiment score in
// [-1, 1] and a coarse outcome label. Analysis runs after the call record is
// written and never blocks or fails the call itself.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// systemPrompt instructs the model to emit nothing but the JSON object the
// parser below expects.
const systemPrompt = `You grade transcripts of phone calls between a caller and a voice agent.
Respond with a single JSON object and nothing else:
{"sentiment": <number between -1.0 (hostile) and 1.0 (delighted)>,
 "outcome": <one of "resolved", "unresolved", "callback_requested", "wrong_number", "voicemail">}`

// validOutcomes are the labels the analyzer accepts back from the model.
var validOutcomes = map[string]bool{
	"resolved":           true,
	"unresolved":         true,
	"callback_requested": true,
	"wrong_number":       true,
	"voicemail":          true,
}

// Result is the analysis of one call transcript.
type Result struct {
	// Score is the caller's overall sentiment in [-1, 1].
	Score float64

	// Outcome is a coarse disposition label, empty when the model returned
	// something outside the known set.
	Outcome string
}

// config holds optional configuration for the analyzer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Analyzer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to point at a
// compatible local gateway.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Analyzer scores call transcripts via chat completions.
type Analyzer struct {
	client oai.Client
	model  string
}

// New constructs an Analyzer for the given API key and chat model.
func New(apiKey, model string, opts ...Option) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sentiment: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("sentiment: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Analyzer{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Analyze grades a single transcript. The transcript is the recorder's
// aggregated "source: text" line format.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return Result{}, fmt.Errorf("sentiment: empty transcript")
	}

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(transcript),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("sentiment: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("sentiment: empty choices in response")
	}

	return parseResult(resp.Choices[0].Message.Content)
}

// parseResult extracts the JSON verdict from the model's reply. Models
// occasionally wrap the object in code fences or prose, so scan for the
// outermost braces instead of decoding the raw content.
func parseResult(content string) (Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("sentiment: no JSON object in response %q", content)
	}

	var verdict struct {
		Sentiment float64 `json:"sentiment"`
		Outcome   string  `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return Result{}, fmt.Errorf("sentiment: decode verdict: %w", err)
	}

	res := Result{Score: clamp(verdict.Sentiment)}
	if label := strings.ToLower(strings.TrimSpace(verdict.Outcome)); validOutcomes[label] {
		res.Outcome = label
	}
	return res, nil
}

func clamp(v float64) float64 {
	switch {
	case v < -1:
		return -1
	case v > 1:
		return 1
	default:
		return v
	}
}
