// Package mock provides a mock STT provider for testing. It records the
// audio it receives and lets tests inject utterances at will.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/attenda-ai/attenda/pkg/provider/stt"
)

// Provider implements [stt.Provider] for tests. Each StartStream call
// produces a new [Session] which the test can drive directly.
type Provider struct {
	// StartErr, if set, is returned by StartStream.
	StartErr error

	mu       sync.Mutex
	sessions []*Session
	configs  []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the config and returns a fresh Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		utterances: make(chan stt.Utterance, 16),
		done:       make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Configs returns the StreamConfig of every StartStream call.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Session is a mock STT session. Tests push utterances with [Session.Emit]
// and inspect received audio with [Session.Audio].
type Session struct {
	// SendErr, if set, is returned by SendAudio.
	SendErr error

	utterances chan stt.Utterance
	done       chan struct{}

	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	buf := append([]byte(nil), chunk...)
	s.audio = append(s.audio, buf)
	return nil
}

// Utterances returns the channel tests emit into.
func (s *Session) Utterances() <-chan stt.Utterance { return s.utterances }

// Close marks the session closed and closes the utterance channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.utterances)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Audio returns all chunks received so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// AudioCount returns the number of chunks received so far.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Emit delivers an utterance to the session consumer. It is a no-op if the
// session is already closed.
func (s *Session) Emit(u stt.Utterance) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.utterances <- u:
	case <-s.done:
	}
}

// EmitText is shorthand for Emit with plain text and no speaker id.
func (s *Session) EmitText(text string) {
	s.Emit(stt.Utterance{Text: text})
}
