package tts

// StreamConfig describes the voice and audio format for a synthesis turn.
type StreamConfig struct {
	// VoiceID is the provider-specific voice identifier. Required.
	VoiceID string

	// OutputFormat is the provider-specific audio format identifier.
	// Telephony calls use "ulaw_8000". Empty uses the provider default.
	OutputFormat string

	// Speed adjusts speaking rate where supported. Zero means the provider
	// default (1.0).
	Speed float64
}

// VoiceProfile describes a voice available from a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which backend owns this voice.
	Provider string

	// Metadata carries provider-specific labels (accent, gender, category).
	Metadata map[string]string
}
