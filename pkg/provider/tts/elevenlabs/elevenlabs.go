// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/attenda-ai/attenda/pkg/provider/tts"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	defaultModel   = "eleven_flash_v2_5"
	defaultOutput  = "ulaw_8000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithStability sets the voice stability (0.0–1.0).
func WithStability(stability float64) Option {
	return func(p *Provider) {
		p.stability = stability
	}
}

// WithSimilarityBoost sets the voice similarity boost (0.0–1.0).
func WithSimilarityBoost(boost float64) Option {
	return func(p *Provider) {
		p.similarityBoost = boost
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey          string
	model           string
	stability       float64
	similarityBoost float64
	httpClient      *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:          apiKey,
		model:           defaultModel,
		stability:       0.5,
		similarityBoost: 0.75,
		httpClient:      &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text value signals end of input.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// OpenStream dials the stream-input WebSocket for the configured voice and
// returns a handle for one synthesis turn.
func (p *Provider) OpenStream(ctx context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: cfg.VoiceID must not be empty")
	}
	format := cfg.OutputFormat
	if format == "" {
		format = defaultOutput
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, cfg.VoiceID, p.model, format)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := &voiceSettings{
		Stability:       p.stability,
		SimilarityBoost: p.similarityBoost,
		Speed:           cfg.Speed,
	}
	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	st := &stream{
		conn:  conn,
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go st.readLoop(ctx)
	return st, nil
}

// ---- stream ----

// stream is one in-flight synthesis turn. It implements tts.StreamHandle.
type stream struct {
	conn  *websocket.Conn
	audio chan []byte
	done  chan struct{}

	mu      sync.Mutex
	flushed bool
	closed  bool
}

// SendText forwards a text delta to ElevenLabs.
func (s *stream) SendText(delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.flushed {
		return errors.New("elevenlabs: stream is no longer accepting text")
	}
	if delta == "" {
		return nil
	}
	msg, _ := json.Marshal(textMessage{Text: delta})
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// Flush sends the end-of-input message. The read loop closes the audio
// channel once the final chunk arrives.
func (s *stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("elevenlabs: stream is closed")
	}
	if s.flushed {
		return nil
	}
	s.flushed = true
	msg, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: send flush: %w", err)
	}
	return nil
}

// Audio returns the channel of synthesized μ-law frames.
func (s *stream) Audio() <-chan []byte { return s.audio }

// Close abandons the turn and tears down the connection. The read loop exits
// on the connection error and closes the audio channel.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "turn abandoned")
	return nil
}

// readLoop receives audio messages until the final chunk, an error, or
// abandonment, then closes the audio channel.
func (s *stream) readLoop(ctx context.Context) {
	defer close(s.audio)
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		chunk, final, ok := parseAudioResponse(msg)
		if ok {
			select {
			case s.audio <- chunk:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}

// parseAudioResponse decodes one WebSocket message. It returns the decoded
// audio chunk (ok=true when present), and whether this message marks the end
// of the turn.
func parseAudioResponse(data []byte) (chunk []byte, final, ok bool) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, false
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, false
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, resp.IsFinal, false
	}
	return decoded, resp.IsFinal, true
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr), nil
}

// convertVoices maps ElevenLabs voice entries to VoiceProfile values.
func convertVoices(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}
