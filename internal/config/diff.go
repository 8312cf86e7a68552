package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; credential and
// address changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when any reloadable persona field changed.
	// New sessions pick up the new values; in-flight calls keep theirs.
	AgentChanged          bool
	GreetingChanged       bool
	SystemPromptChanged   bool
	BargeInOnAudioChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AgentChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.Greeting != new.Agent.Greeting {
		d.GreetingChanged = true
	}
	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Agent.BargeInOnAudio != new.Agent.BargeInOnAudio {
		d.BargeInOnAudioChanged = true
	}
	d.AgentChanged = d.GreetingChanged || d.SystemPromptChanged || d.BargeInOnAudioChanged

	return d
}
