// Package mock provides a mock TTS provider for testing. Streams record the
// text they receive and let tests inject audio frames.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/attenda-ai/attenda/pkg/provider/tts"
)

// Provider implements [tts.Provider] for tests. Each OpenStream call
// produces a new [Stream] which the test can drive directly.
type Provider struct {
	// OpenErr, if set, is returned by OpenStream.
	OpenErr error

	// AutoAudio, when non-nil, is emitted on each stream as soon as it is
	// flushed, followed by the channel close. This lets tests exercise the
	// full speak pipeline without driving each stream by hand.
	AutoAudio [][]byte

	mu      sync.Mutex
	streams []*Stream
	configs []tts.StreamConfig
}

var _ tts.Provider = (*Provider)(nil)

// OpenStream records the config and returns a fresh Stream.
func (p *Provider) OpenStream(_ context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := &Stream{
		audio:     make(chan []byte, 64),
		autoAudio: p.AutoAudio,
	}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()
	return s, nil
}

// Streams returns all streams opened so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

// LastStream returns the most recently opened stream, or nil.
func (p *Provider) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// OpenCount returns the number of OpenStream calls.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Configs returns the StreamConfig of every OpenStream call.
func (p *Provider) Configs() []tts.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.StreamConfig(nil), p.configs...)
}

// Stream is a mock synthesis turn. Tests push audio with [Stream.EmitAudio]
// and finish the turn with [Stream.Finish], or rely on the provider's
// AutoAudio to do both on Flush.
type Stream struct {
	// SendErr, if set, is returned by SendText.
	SendErr error

	audio     chan []byte
	autoAudio [][]byte

	mu       sync.Mutex
	text     []string
	flushed  bool
	closed   bool
	finished bool
}

var _ tts.StreamHandle = (*Stream)(nil)

// SendText records the delta.
func (s *Stream) SendText(delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.flushed {
		return errors.New("mock: stream is no longer accepting text")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.text = append(s.text, delta)
	return nil
}

// Flush marks end of input. With AutoAudio set, it emits the scripted frames
// and closes the audio channel.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: stream is closed")
	}
	if s.flushed {
		return nil
	}
	s.flushed = true
	if s.autoAudio != nil {
		for _, frame := range s.autoAudio {
			select {
			case s.audio <- frame:
			default:
			}
		}
		s.finished = true
		close(s.audio)
	}
	return nil
}

// Audio returns the frame channel.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Close abandons the turn.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		s.finished = true
		close(s.audio)
	}
	return nil
}

// EmitAudio delivers a frame to the stream consumer. It is a no-op once the
// turn is finished or closed.
func (s *Stream) EmitAudio(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return
	}
	select {
	case s.audio <- frame:
	default:
	}
}

// Finish closes the audio channel, signaling synthesis completion.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return
	}
	s.finished = true
	close(s.audio)
}

// Text returns the concatenation of all deltas received.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.text, "")
}

// Flushed reports whether Flush was called.
func (s *Stream) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
