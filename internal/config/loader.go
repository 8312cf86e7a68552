package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Leave unknown references intact so validation reports the
		// literal text instead of a silently empty credential.
		return "${" + key + "}"
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in values the schema leaves optional.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = BackendOpenAI
	}
	if cfg.Speech.STT.Language == "" {
		cfg.Speech.STT.Language = "en"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicBaseURL != "" {
		if u, err := url.Parse(cfg.Server.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_base_url %q is not an absolute URL", cfg.Server.PublicBaseURL))
		}
	}

	if cfg.Telephony.AccountSID == "" {
		errs = append(errs, errors.New("telephony.account_sid is required"))
	}
	if cfg.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.auth_token is required"))
	}
	errs = appendPhoneError(errs, "telephony.agent_phone", cfg.Telephony.AgentPhone)
	errs = appendPhoneError(errs, "agent.owner_phone", cfg.Agent.OwnerPhone)

	if cfg.Speech.STT.APIKey == "" {
		errs = append(errs, errors.New("speech.stt.api_key is required"))
	}
	if cfg.Speech.TTS.APIKey == "" {
		errs = append(errs, errors.New("speech.tts.api_key is required"))
	}
	if cfg.Speech.TTS.VoiceID == "" {
		errs = append(errs, errors.New("speech.tts.voice_id is required"))
	}

	if cfg.LLM.Backend != "" && !cfg.LLM.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("llm.backend %q is invalid; valid values: openai, anyllm", cfg.LLM.Backend))
	}
	if cfg.LLM.Backend == BackendAnyLLM && cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required when llm.backend is anyllm"))
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	for _, field := range []struct{ path, value string }{
		{"telephony.auth_token", cfg.Telephony.AuthToken},
		{"speech.stt.api_key", cfg.Speech.STT.APIKey},
		{"speech.tts.api_key", cfg.Speech.TTS.APIKey},
		{"llm.api_key", cfg.LLM.APIKey},
		{"store.postgres_dsn", cfg.Store.PostgresDSN},
		{"calendar.api_key", cfg.Calendar.APIKey},
	} {
		if strings.Contains(field.value, "${") {
			errs = append(errs, fmt.Errorf("%s contains an unresolved environment reference %q", field.path, field.value))
		}
	}

	if cfg.Agent.OwnerPhone == "" {
		slog.Warn("agent.owner_phone is empty; the transfer-to-human tool is disabled")
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; appointment outcomes will not be persisted")
	}
	if cfg.Calendar.BaseURL == "" {
		slog.Warn("calendar.base_url is empty; calendar tools will report the service as unavailable")
	}

	return errors.Join(errs...)
}

// appendPhoneError validates an optional E.164 number and appends an error
// for path when the value is present but malformed.
func appendPhoneError(errs []error, path, number string) []error {
	if number == "" {
		return errs
	}
	if !strings.HasPrefix(number, "+") || len(number) < 8 {
		return append(errs, fmt.Errorf("%s %q is not an E.164 number (expected +<country><number>)", path, number))
	}
	for _, r := range number[1:] {
		if r < '0' || r > '9' {
			return append(errs, fmt.Errorf("%s %q contains non-digit characters", path, number))
		}
	}
	return errs
}
