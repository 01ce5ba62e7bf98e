// Package config provides the process configuration for the voicegate
// server. Secrets and endpoints come from the environment; the routing table
// with its agent definitions lives in a YAML file whose path is configured
// here and loaded by the routing package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// LogLevel controls log verbosity for the voicegate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Environment variable names read by [FromEnv].
const (
	EnvListenAddr   = "VOICEGATE_LISTEN_ADDR"
	EnvLogLevel     = "VOICEGATE_LOG_LEVEL"
	EnvPublicHost   = "VOICEGATE_PUBLIC_HOST"
	EnvStreamPath   = "VOICEGATE_STREAM_PATH"
	EnvRoutingTable = "VOICEGATE_ROUTING_TABLE"
	EnvDatabaseURL  = "DATABASE_URL"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvTwilioSID    = "TWILIO_ACCOUNT_SID"
	EnvTwilioToken  = "TWILIO_AUTH_TOKEN"
	EnvTwilioFrom   = "TWILIO_FROM_NUMBER"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvOpenAIModel  = "VOICEGATE_ANALYSIS_MODEL"
)

// TwilioConfig holds the carrier account credentials. The REST fields are
// only exercised for outbound dialing; stream authentication needs just the
// auth token.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// AnalysisConfig holds the optional post-call analysis settings. Analysis is
// disabled when APIKey is empty.
type AnalysisConfig struct {
	APIKey string
	Model  string
}

// Config is the root configuration for the voicegate server, assembled from
// the environment by [FromEnv].
type Config struct {
	// ListenAddr is the TCP address the server listens on.
	ListenAddr string

	// LogLevel controls verbosity.
	LogLevel LogLevel

	// PublicHost is the externally reachable host (no scheme) Twilio uses to
	// open the media stream, e.g. "gateway.example.com".
	PublicHost string

	// StreamPath is the WebSocket path the media stream connects to.
	StreamPath string

	// RoutingTablePath is the YAML file holding the tenant's agents, number
	// mappings, and do-not-call list.
	RoutingTablePath string

	// PostgresDSN is the call-store connection string.
	PostgresDSN string

	// GeminiAPIKey authenticates the realtime model sessions.
	GeminiAPIKey string

	Twilio   TwilioConfig
	Analysis AnalysisConfig
}

// AnalysisEnabled reports whether post-call analysis is configured.
func (c *Config) AnalysisEnabled() bool {
	return c.Analysis.APIKey != ""
}

// StreamURL returns the wss URL Twilio should connect its media stream to.
func (c *Config) StreamURL() string {
	return "wss://" + c.PublicHost + c.StreamPath
}

// FromEnv assembles and validates the configuration from the process
// environment. All missing required variables are reported in one joined
// error so a broken deployment surfaces everything at once.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:       getenv(EnvListenAddr, ":8080"),
		LogLevel:         LogLevel(getenv(EnvLogLevel, string(LogInfo))),
		PublicHost:       os.Getenv(EnvPublicHost),
		StreamPath:       getenv(EnvStreamPath, "/twilio"),
		RoutingTablePath: os.Getenv(EnvRoutingTable),
		PostgresDSN:      os.Getenv(EnvDatabaseURL),
		GeminiAPIKey:     os.Getenv(EnvGeminiKey),
		Twilio: TwilioConfig{
			AccountSID: os.Getenv(EnvTwilioSID),
			AuthToken:  os.Getenv(EnvTwilioToken),
			FromNumber: os.Getenv(EnvTwilioFrom),
		},
		Analysis: AnalysisConfig{
			APIKey: os.Getenv(EnvOpenAIKey),
			Model:  getenv(EnvOpenAIModel, "gpt-4o-mini"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func (c *Config) Validate() error {
	var errs []error

	if !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: %s %q is invalid; valid values: debug, info, warn, error", EnvLogLevel, c.LogLevel))
	}
	if c.PublicHost == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvPublicHost))
	}
	if c.RoutingTablePath == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvRoutingTable))
	}
	if c.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvDatabaseURL))
	}
	if c.GeminiAPIKey == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvGeminiKey))
	}
	if c.Twilio.AccountSID == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvTwilioSID))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", EnvTwilioToken))
	}
	if len(c.StreamPath) == 0 || c.StreamPath[0] != '/' {
		errs = append(errs, fmt.Errorf("config: %s %q must start with /", EnvStreamPath, c.StreamPath))
	}

	// Outbound dialing is optional; warn rather than fail so inbound-only
	// deployments need no placeholder number.
	if c.Twilio.FromNumber == "" {
		slog.Warn("no caller ID configured; outbound dialing is disabled", "env", EnvTwilioFrom)
	}

	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
