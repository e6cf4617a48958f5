// Package config reads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"voice-relay/internal/integrations/paramstore"
)

type Config struct {
	Env             string
	LogLevel        slog.Level
	Port            int
	PublicBaseURL   string
	ShutdownTimeout time.Duration

	ParamPrefix     string
	TranscriptTable string

	TwilioAccountSID       string
	TwilioAuthToken        string
	SkipSignatureCheck     bool
	XAIAPIKey              string
	XAIBaseURL             string
	XAIModel               string
	XAITemperature         float64
	XAIMaxTokens           int
	CompletionTimeout      time.Duration
	ElevenLabsAPIKey       string
	ElevenLabsVoiceID      string
	ElevenLabsBaseURL      string
	ElevenLabsModelID      string
	ElevenLabsMaxRetries   int
	ElevenLabsRetryBackoff time.Duration

	CleanupInterval time.Duration
	SessionMaxAge   time.Duration
	AudioMaxAge     time.Duration
}

// Load reads every setting. Malformed values are reported together.
func Load() (Config, error) {
	var errs []error
	c := Config{
		Env:             envString("GO_ENV", "development"),
		Port:            envInt("PORT", 3000, &errs),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs),

		ParamPrefix:     strings.TrimRight(envString("PARAM_PREFIX", ""), "/"),
		TranscriptTable: envString("TRANSCRIPT_TABLE", ""),

		TwilioAccountSID:       envString("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:        envString("TWILIO_AUTH_TOKEN", ""),
		SkipSignatureCheck:     envBool("TWILIO_SKIP_SIGNATURE_CHECK", false, &errs),
		XAIAPIKey:              envString("XAI_API_KEY", ""),
		XAIBaseURL:             envString("XAI_BASE_URL", "https://api.x.ai/v1"),
		XAIModel:               envString("XAI_MODEL", "grok-beta"),
		XAITemperature:         envFloat("XAI_TEMPERATURE", 0.7, &errs),
		XAIMaxTokens:           envInt("XAI_MAX_TOKENS", 150, &errs),
		CompletionTimeout:      envDuration("COMPLETION_TIMEOUT", 10*time.Second, &errs),
		ElevenLabsAPIKey:       envString("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:      envString("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsBaseURL:      envString("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"),
		ElevenLabsModelID:      envString("ELEVENLABS_MODEL_ID", "eleven_monolingual_v1"),
		ElevenLabsMaxRetries:   envInt("ELEVENLABS_MAX_RETRIES", 1, &errs),
		ElevenLabsRetryBackoff: envDuration("ELEVENLABS_RETRY_BACKOFF", 250*time.Millisecond, &errs),

		CleanupInterval: envDuration("CLEANUP_INTERVAL", 5*time.Minute, &errs),
		SessionMaxAge:   envDuration("SESSION_MAX_AGE", 30*time.Minute, &errs),
		AudioMaxAge:     envDuration("AUDIO_MAX_AGE", 10*time.Minute, &errs),
	}

	level, err := parseLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, err)
	}
	c.LogLevel = level

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d out of range", c.Port))
	}

	base := envString("PUBLIC_BASE_URL", "")
	if base == "" {
		base = envString("BASE_URL", "")
	}
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.PublicBaseURL = strings.TrimRight(base, "/")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return c, nil
}

// Production reports whether logs should be JSON.
func (c Config) Production() bool {
	return c.Env == "production"
}

// UsesAWS reports whether any component needs AWS credentials.
func (c Config) UsesAWS() bool {
	return c.TranscriptTable != "" || c.needsSSM()
}

func (c Config) needsSSM() bool {
	if c.ParamPrefix == "" {
		return false
	}
	return c.XAIAPIKey == "" || c.ElevenLabsAPIKey == "" || c.TwilioAuthToken == ""
}

// Secrets are the provider credentials, each resolved lazily.
type Secrets struct {
	XAI        *paramstore.Secret
	ElevenLabs *paramstore.Secret
	Twilio     *paramstore.Secret
}

// Secrets binds each credential to its env value and, when a prefix is set,
// its SSM parameter. getter may be nil when no prefix is configured.
func (c Config) Secrets(getter paramstore.Getter) Secrets {
	return Secrets{
		XAI:        paramstore.NewSecret(getter, c.XAIAPIKey, c.paramName("xai-api-key")),
		ElevenLabs: paramstore.NewSecret(getter, c.ElevenLabsAPIKey, c.paramName("elevenlabs-api-key")),
		Twilio:     paramstore.NewSecret(getter, c.TwilioAuthToken, c.paramName("twilio-auth-token")),
	}
}

func (c Config) paramName(name string) string {
	if c.ParamPrefix == "" {
		return ""
	}
	return c.ParamPrefix + "/" + name
}

var (
	twilioSIDPattern = regexp.MustCompile(`^AC[a-f0-9]{32}$`)
	xaiKeyPattern    = regexp.MustCompile(`^xai-[a-zA-Z0-9_-]+$`)
)

// Validate returns human readable warnings. None of them stop the server.
func (c Config) Validate() []string {
	var warnings []string

	required := []struct {
		key    string
		value  string
		secret bool
	}{
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID, false},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken, true},
		{"XAI_API_KEY", c.XAIAPIKey, true},
		{"ELEVENLABS_API_KEY", c.ElevenLabsAPIKey, true},
		{"ELEVENLABS_VOICE_ID", c.ElevenLabsVoiceID, false},
	}
	var missing []string
	for _, r := range required {
		if r.value != "" || (r.secret && c.ParamPrefix != "") {
			continue
		}
		missing = append(missing, r.key)
	}
	if len(missing) > 0 {
		warnings = append(warnings, "missing environment variables: "+strings.Join(missing, ", "))
	}

	if c.TwilioAccountSID != "" && !twilioSIDPattern.MatchString(c.TwilioAccountSID) {
		warnings = append(warnings, "Twilio Account SID format may be invalid")
	}
	if c.XAIAPIKey != "" && !xaiKeyPattern.MatchString(c.XAIAPIKey) {
		warnings = append(warnings, "xAI API Key format may be invalid")
	}
	if !strings.HasPrefix(c.PublicBaseURL, "https://") {
		warnings = append(warnings, "PUBLIC_BASE_URL is not https; Twilio cannot fetch audio from "+c.PublicBaseURL)
	}
	if c.SkipSignatureCheck {
		warnings = append(warnings, "Twilio signature verification is disabled")
	}
	return warnings
}

// Logger builds the process logger: JSON in production, text otherwise.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.Production() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int, errs *[]error) int {
	v := envString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := envString(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return f
}

func envBool(key string, def bool, errs *[]error) bool {
	v := envString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}

// envDuration accepts Go durations ("90s") or plain milliseconds.
func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := envString(key, "")
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}
