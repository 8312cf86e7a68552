// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw μ-law audio frames and
// emits complete Utterance values — one per endpointed stretch of speech,
// with final fragments joined by the adapter so the call runtime never sees
// partial text.
//
// Implementations must be safe for concurrent use. Audio input and utterance
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// STT session. All fields must be compatible with what the underlying
// provider supports.
type StreamConfig struct {
	// Encoding is the audio codec of the input stream (e.g., "mulaw").
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony streams use 8000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Endpointing is the silence duration in milliseconds after which the
	// provider considers an utterance complete. Zero uses the provider
	// default.
	Endpointing int

	// Diarize enables speaker diarization. When on, utterances carry the
	// provider's raw speaker id.
	Diarize bool
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the Encoding and SampleRate agreed
	// in StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Utterances returns a read-only channel that emits one Utterance per
	// endpointed stretch of speech. Final transcript fragments are joined by
	// the adapter; at most one utterance per session is in flight at a time.
	// The channel is closed when the session ends.
	Utterances() <-chan Utterance

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Utterances channel
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live call leg).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
