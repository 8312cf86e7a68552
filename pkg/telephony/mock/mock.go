// Package mock provides a mock media-stream adapter for testing. It records
// every uplink write so tests can assert on ordering and content.
package mock

import (
	"errors"
	"sync"

	"github.com/attenda-ai/attenda/pkg/telephony"
)

// Sent is one recorded uplink write.
type Sent struct {
	// Event is "media", "mark", or "clear".
	Event string

	// Audio is the raw frame bytes for media events.
	Audio []byte

	// Name is the checkpoint name for mark events.
	Name string

	// Digit is the keypad digit for dtmf events.
	Digit string
}

// Adapter implements [telephony.Adapter] for tests.
type Adapter struct {
	// SID is returned by StreamSID.
	SID string

	// SendErr, if set, is returned by every Send method.
	SendErr error

	mu     sync.Mutex
	sent   []Sent
	closed bool
}

var _ telephony.Adapter = (*Adapter)(nil)

// New returns a mock adapter with the given stream SID.
func New(sid string) *Adapter {
	return &Adapter{SID: sid}
}

// StreamSID returns the configured SID.
func (a *Adapter) StreamSID() string { return a.SID }

// SendAudio records a media write.
func (a *Adapter) SendAudio(audio []byte) error {
	return a.record(Sent{Event: telephony.EventMedia, Audio: append([]byte(nil), audio...)})
}

// SendMark records a mark write.
func (a *Adapter) SendMark(name string) error {
	return a.record(Sent{Event: telephony.EventMark, Name: name})
}

// SendClear records a clear write.
func (a *Adapter) SendClear() error {
	return a.record(Sent{Event: telephony.EventClear})
}

// SendDTMF records a dtmf write.
func (a *Adapter) SendDTMF(digit string) error {
	return a.record(Sent{Event: telephony.EventDTMF, Digit: digit})
}

// Close marks the adapter closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Sent returns every recorded write in order.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

// Events returns just the event names of every recorded write, in order.
func (a *Adapter) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := make([]string, len(a.sent))
	for i, s := range a.sent {
		events[i] = s.Event
	}
	return events
}

// AudioSent returns the concatenation of all media frames sent.
func (a *Adapter) AudioSent() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []byte
	for _, s := range a.sent {
		if s.Event == telephony.EventMedia {
			out = append(out, s.Audio...)
		}
	}
	return out
}

// ClearCount returns the number of clear frames sent.
func (a *Adapter) ClearCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sent {
		if s.Event == telephony.EventClear {
			n++
		}
	}
	return n
}

// MediaCount returns the number of media frames sent.
func (a *Adapter) MediaCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sent {
		if s.Event == telephony.EventMedia {
			n++
		}
	}
	return n
}

// Reset discards all recorded writes.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = nil
}

func (a *Adapter) record(s Sent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("mock: adapter is closed")
	}
	if a.SendErr != nil {
		return a.SendErr
	}
	a.sent = append(a.sent, s)
	return nil
}
