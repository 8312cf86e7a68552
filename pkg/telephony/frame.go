// Package telephony provides the media-stream transport for live phone
// calls: the wire frame schema, a WebSocket-backed stream adapter, and the
// Adapter interface the call runtime writes audio through.
//
// The wire protocol is the Twilio Media Streams JSON framing: the carrier
// sends connected/start/media/stop/mark/dtmf events downlink and accepts
// media/mark/clear events uplink, with audio carried as base64-encoded μ-law
// at 8 kHz.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Downlink event types sent by the carrier.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Frame is one JSON message on the media stream, in either direction. Only
// the payload matching Event is populated.
type Frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	DTMF  *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload carries call identity and audio format on the start event.
type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload identifies the call on the stop event.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries one keypad digit.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseFrame decodes one raw WebSocket message into a Frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("telephony: parse frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("telephony: frame missing event field")
	}
	return &f, nil
}

// AudioBytes decodes the base64 audio payload of a media frame. It returns
// an error if the frame is not a media frame or the payload is malformed.
func (f *Frame) AudioBytes() ([]byte, error) {
	if f.Event != EventMedia || f.Media == nil {
		return nil, fmt.Errorf("telephony: frame %q carries no audio", f.Event)
	}
	raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return raw, nil
}

// MediaFrame builds an uplink media frame carrying the given μ-law audio.
func MediaFrame(streamSID string, audio []byte) ([]byte, error) {
	f := Frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
	return json.Marshal(f)
}

// MarkFrame builds an uplink mark frame with the given checkpoint name.
func MarkFrame(streamSID, name string) ([]byte, error) {
	f := Frame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
	return json.Marshal(f)
}

// ClearFrame builds an uplink clear frame, which discards all audio the
// carrier has buffered but not yet played.
func ClearFrame(streamSID string) ([]byte, error) {
	f := Frame{Event: EventClear, StreamSID: streamSID}
	return json.Marshal(f)
}

// DTMFFrame builds an uplink frame carrying one keypad digit.
func DTMFFrame(streamSID, digit string) ([]byte, error) {
	f := Frame{
		Event:     EventDTMF,
		StreamSID: streamSID,
		DTMF:      &DTMFPayload{Digit: digit},
	}
	return json.Marshal(f)
}
