package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/attenda-ai/attenda/internal/appointment"
	"github.com/attenda-ai/attenda/internal/calendar"
	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
	"github.com/attenda-ai/attenda/pkg/provider/stt"
	"github.com/attenda-ai/attenda/pkg/provider/tts"
	"github.com/attenda-ai/attenda/pkg/telephony"
)

// sttEndpointingMillis is the silence gap after which an utterance is
// considered complete.
const sttEndpointingMillis = 500

// Deps are the process-wide collaborators injected into every session.
// They are constructed once at startup and shared; all of them are safe
// for concurrent use.
type Deps struct {
	STT      stt.Provider
	TTS      tts.Provider
	LLM      llm.Provider
	Calendar calendar.Service

	// Store may be nil when no database is configured; appointment
	// outcomes are then kept in memory only.
	Store appointment.Store

	// Control may be nil in tests; hang-up then only marks the session.
	Control CallControl

	// TransferEnabled offers the transfer tool to the model. It requires
	// an owner phone number and a conference coordinator.
	TransferEnabled bool

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Registry maps stream identifiers to live sessions and is the single
// owner of session lifetime. A start frame for an unknown stream id
// creates a session; a start frame for a known id swaps its adapters in
// place, preserving conversation and state across the reconnect.
type Registry struct {
	log  *slog.Logger
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Registry{
		log:      log,
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// HandleStart processes a telephony start frame: it opens a fresh STT
// stream for the connection and either creates a session or, when the
// stream id is already known, swaps the existing session's adapters.
// The returned bool is true when a new session was created.
func (r *Registry) HandleStart(ctx context.Context, info StartInfo, transport telephony.Adapter) (*Session, bool, error) {
	if info.StreamSID == "" {
		return nil, false, fmt.Errorf("call: start frame missing stream sid")
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	sttHandle, err := r.deps.STT.StartStream(ctx, stt.StreamConfig{
		Encoding:    "mulaw",
		SampleRate:  8000,
		Channels:    1,
		Language:    cfg.Language,
		Endpointing: sttEndpointingMillis,
		Diarize:     info.Role != "" && info.Role != RoleSolo,
	})
	if err != nil {
		r.deps.Metrics.RecordProviderError(ctx, "stt", "open")
		return nil, false, fmt.Errorf("call: open stt stream: %w", err)
	}
	set := &adapterSet{transport: transport, stt: sttHandle}

	r.mu.Lock()
	if existing, ok := r.sessions[info.StreamSID]; ok {
		r.mu.Unlock()
		existing.swapAdapters(set)
		r.log.Info("session reconnected", "stream_sid", info.StreamSID)
		return existing, false, nil
	}

	s := newSession(info, set, r.deps, cfg, r.log)
	r.sessions[info.StreamSID] = s
	r.mu.Unlock()

	s.start()
	r.log.Info("session created",
		"stream_sid", info.StreamSID, "call_sid", info.CallSID, "role", string(s.Role()))
	return s, true, nil
}

// SetConfig replaces the per-session tunables used for sessions created
// from now on. Live sessions keep the config they started with.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Get returns the session for a stream id, or nil.
func (r *Registry) Get(streamSID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[streamSID]
}

// Has reports whether a session exists for the stream id.
func (r *Registry) Has(streamSID string) bool {
	return r.Get(streamSID) != nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Delete tears the session down and removes it. Deleting an unknown id is
// a no-op.
func (r *Registry) Delete(streamSID string) {
	r.mu.Lock()
	s, ok := r.sessions[streamSID]
	if ok {
		delete(r.sessions, streamSID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.cleanup()
	r.log.Info("session deleted", "stream_sid", streamSID)
}

// Close tears down every live session. Called on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.cleanup()
	}
}
