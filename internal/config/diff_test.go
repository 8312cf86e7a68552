package config_test

import (
	"testing"

	"github.com/attenda-ai/attenda/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{Name: "Jordan", Greeting: "Hi"},
	}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.AgentChanged {
		t.Error("expected AgentChanged=false")
	}
}

func TestDiff_AgentChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Agent: config.AgentConfig{Greeting: "Hi", SystemPrompt: "You are Jordan."},
	}
	new := &config.Config{
		Agent: config.AgentConfig{Greeting: "Hello there", SystemPrompt: "You are Jordan.", BargeInOnAudio: true},
	}

	d := config.Diff(old, new)
	if !d.AgentChanged || !d.GreetingChanged || !d.BargeInOnAudioChanged {
		t.Errorf("unexpected diff: %+v", d)
	}
	if d.SystemPromptChanged {
		t.Error("expected SystemPromptChanged=false")
	}
	if !d.Any() {
		t.Error("expected Any()=true")
	}
}

func TestDiff_CredentialChangeNotTracked(t *testing.T) {
	t.Parallel()
	old := &config.Config{Telephony: config.TelephonyConfig{AuthToken: "a"}}
	new := &config.Config{Telephony: config.TelephonyConfig{AuthToken: "b"}}

	if d := config.Diff(old, new); d.Any() {
		t.Errorf("credential changes are restart-only, got %+v", d)
	}
}
