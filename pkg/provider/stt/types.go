package stt

// Transcript is a single recognition result fragment as reported by the
// provider. Adapters consume these internally; the call runtime only sees
// joined [Utterance] values.
type Transcript struct {
	// Text is the transcribed speech content of this fragment.
	Text string

	// IsFinal indicates whether the provider has committed to this fragment.
	IsFinal bool

	// SpeechFinal indicates the provider's endpointing has determined the
	// utterance is complete. Implies IsFinal on conformant providers.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// SpeakerID is the provider's raw diarization id ("0", "1", ...) when
	// diarization is active, empty otherwise.
	SpeakerID string
}

// Utterance is one complete endpointed stretch of speech: the join of all
// final fragments between the previous delivery and a speech-final signal.
type Utterance struct {
	// Text is the joined transcript text.
	Text string

	// SpeakerID is the diarization id of the leading fragment, empty when
	// diarization is off.
	SpeakerID string
}
