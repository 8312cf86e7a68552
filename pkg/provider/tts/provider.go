// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a streaming synthesis service (e.g., ElevenLabs).
// Synthesis is organized per response turn: the caller opens a StreamHandle,
// feeds it text deltas as the language model produces them, and reads μ-law
// audio frames from the Audio channel as they arrive. Flush marks the end of
// input; once the provider has synthesized everything, the Audio channel is
// closed — that close is the completion signal. Close abandons the turn
// immediately, discarding any audio still in flight.
package tts

import "context"

// StreamHandle is one in-flight synthesis turn.
//
// All methods are safe for concurrent use. The typical pattern is one
// goroutine calling SendText/Flush while another drains Audio.
type StreamHandle interface {
	// SendText delivers a text delta for synthesis. Deltas are synthesized
	// in order; the provider may buffer them to align on word boundaries.
	// Calling SendText after Flush or Close returns an error.
	SendText(delta string) error

	// Flush signals that no more text is coming. The provider synthesizes
	// everything buffered, delivers the remaining audio, and then closes the
	// Audio channel. Flush does not block waiting for that to happen.
	Flush() error

	// Audio returns the channel of synthesized audio frames in the format
	// requested at open time. The channel is closed once all audio for the
	// turn has been delivered, or when the turn is abandoned via Close.
	Audio() <-chan []byte

	// Close abandons the turn: pending text is discarded, in-flight audio is
	// dropped, and the Audio channel is closed. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
//
// Implementations must be safe for concurrent use; multiple turns may be
// open at once across different calls.
type Provider interface {
	// OpenStream starts a new synthesis turn for the given voice and output
	// format. The returned handle is ready to accept text immediately.
	OpenStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
