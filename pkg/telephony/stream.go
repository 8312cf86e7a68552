package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Adapter is the uplink half of a media stream: the surface the call runtime
// writes through. A call outlives any single WebSocket connection — on
// carrier reconnect the runtime swaps in a fresh Adapter without tearing the
// call down — so the runtime holds an Adapter, never a connection.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// StreamSID returns the carrier's stream identifier for this connection.
	StreamSID() string

	// SendAudio sends one μ-law audio frame to the caller.
	SendAudio(audio []byte) error

	// SendMark sends a named playback checkpoint. The carrier echoes it back
	// once all audio queued before it has been played.
	SendMark(name string) error

	// SendClear discards all audio the carrier has buffered but not played.
	SendClear() error

	// SendDTMF sends one keypad digit.
	SendDTMF(digit string) error

	// Close tears down the underlying connection.
	Close() error
}

// Stream is a live media-stream connection over a WebSocket. It implements
// [Adapter] for the uplink and exposes ReadFrame for the downlink.
//
// Uplink writes are serialized internally; ReadFrame must be called from a
// single goroutine.
type Stream struct {
	conn      *websocket.Conn
	streamSID string

	writeMu sync.Mutex
	closed  bool
}

var _ Adapter = (*Stream)(nil)

// NewStream wraps an accepted WebSocket connection. streamSID is learned
// from the start frame and must be set before any uplink write.
func NewStream(conn *websocket.Conn, streamSID string) *Stream {
	return &Stream{conn: conn, streamSID: streamSID}
}

// StreamSID returns the carrier's stream identifier.
func (s *Stream) StreamSID() string { return s.streamSID }

// ReadFrame blocks until the next downlink frame arrives or ctx is done.
func (s *Stream) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("telephony: read frame: %w", err)
	}
	return ParseFrame(data)
}

// SendAudio sends one μ-law audio frame to the caller.
func (s *Stream) SendAudio(audio []byte) error {
	data, err := MediaFrame(s.streamSID, audio)
	if err != nil {
		return err
	}
	return s.write(data)
}

// SendMark sends a named playback checkpoint.
func (s *Stream) SendMark(name string) error {
	data, err := MarkFrame(s.streamSID, name)
	if err != nil {
		return err
	}
	return s.write(data)
}

// SendClear discards all buffered, unplayed audio on the carrier side.
func (s *Stream) SendClear() error {
	data, err := ClearFrame(s.streamSID)
	if err != nil {
		return err
	}
	return s.write(data)
}

// SendDTMF sends one keypad digit.
func (s *Stream) SendDTMF(digit string) error {
	data, err := DTMFFrame(s.streamSID, digit)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Close closes the underlying WebSocket connection.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, "stream closed")
}

func (s *Stream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errors.New("telephony: stream is closed")
	}
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write frame: %w", err)
	}
	return nil
}
