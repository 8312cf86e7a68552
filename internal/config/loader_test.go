package config_test

import (
	"strings"
	"testing"

	"github.com/attenda-ai/attenda/internal/config"
)

const validYAML = `
server:
  log_level: info
  public_base_url: "https://agent.example.com"
telephony:
  account_sid: AC123
  auth_token: secret
  agent_phone: "+15550002222"
speech:
  stt:
    api_key: dg-key
  tts:
    api_key: el-key
    voice_id: voice-1
llm:
  backend: openai
  api_key: sk-test
  model: gpt-4o
agent:
  name: Jordan
  greeting: "Hi, this is Jordan."
  owner_phone: "+15550001111"
store:
  postgres_dsn: "postgres://localhost/attenda"
calendar:
  base_url: "https://cal.example.com"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telephony.AccountSID != "AC123" {
		t.Errorf("account_sid: got %q", cfg.Telephony.AccountSID)
	}
	if cfg.Agent.OwnerPhone != "+15550001111" {
		t.Errorf("owner_phone: got %q", cfg.Agent.OwnerPhone)
	}
	if cfg.LLM.Backend != config.BackendOpenAI {
		t.Errorf("llm backend: got %q", cfg.LLM.Backend)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	yaml := `
telephony:
  account_sid: AC123
  auth_token: secret
speech:
  stt:
    api_key: dg-key
  tts:
    api_key: el-key
    voice_id: voice-1
llm:
  api_key: sk-test
  model: gpt-4o
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q", cfg.Server.LogLevel)
	}
	if cfg.LLM.Backend != config.BackendOpenAI {
		t.Errorf("llm backend default: got %q", cfg.LLM.Backend)
	}
	if cfg.Speech.STT.Language != "en" {
		t.Errorf("stt language default: got %q", cfg.Speech.STT.Language)
	}
}

func TestLoadFromReader_MissingCredentials(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: info
`))
	if err == nil {
		t.Fatal("expected error for empty credentials, got nil")
	}
	for _, want := range []string{
		"telephony.account_sid",
		"telephony.auth_token",
		"speech.stt.api_key",
		"speech.tts.api_key",
		"speech.tts.voice_id",
		"llm.api_key",
		"llm.model",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("ATTENDA_TEST_TOKEN", "tok-from-env")
	yaml := strings.Replace(validYAML, "auth_token: secret", "auth_token: ${ATTENDA_TEST_TOKEN}", 1)
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telephony.AuthToken != "tok-from-env" {
		t.Errorf("auth_token: got %q, want %q", cfg.Telephony.AuthToken, "tok-from-env")
	}
}

func TestLoadFromReader_UnresolvedEnvReference(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "api_key: sk-test", "api_key: ${ATTENDA_NO_SUCH_VAR}", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unresolved env reference, got nil")
	}
	if !strings.Contains(err.Error(), "llm.api_key") || !strings.Contains(err.Error(), "ATTENDA_NO_SUCH_VAR") {
		t.Errorf("error should name the field and the variable, got: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nextra_section:\n  oops: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_BadPhoneNumber(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `owner_phone: "+15550001111"`, `owner_phone: "555-0111"`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for malformed phone number, got nil")
	}
	if !strings.Contains(err.Error(), "agent.owner_phone") {
		t.Errorf("error should name agent.owner_phone, got: %v", err)
	}
}

func TestLoadFromReader_AnyLLMRequiresProvider(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "backend: openai", "backend: anyllm", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for anyllm backend without provider, got nil")
	}
	if !strings.Contains(err.Error(), "llm.provider") {
		t.Errorf("error should mention llm.provider, got: %v", err)
	}
}

func TestLoadFromReader_InvalidBackend(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "backend: openai", "backend: homegrown", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid backend, got nil")
	}
	if !strings.Contains(err.Error(), "llm.backend") {
		t.Errorf("error should mention llm.backend, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/attenda.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
