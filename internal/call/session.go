package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attenda-ai/attenda/internal/appointment"
	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/stt"
	"github.com/attenda-ai/attenda/pkg/provider/tts"
	"github.com/attenda-ai/attenda/pkg/telephony"
)

// LegRole is a session's part in the call topology.
type LegRole string

const (
	// RoleSolo is a plain two-party call between the agent and one human.
	RoleSolo LegRole = "solo"

	// RoleCaller is the original business leg inside a conference.
	RoleCaller LegRole = "caller"

	// RoleOwner is the user's leg dialed in during a transfer.
	RoleOwner LegRole = "owner"
)

// transferSettle is how long the session lets the handoff announcement play
// out before moving the call into a conference.
const transferSettle = 3500 * time.Millisecond

// flushTimeout bounds the wait for the TTS drained signal. A conformant
// adapter always delivers it, but a wedged one must not deadlock the call.
const flushTimeout = 10 * time.Second

// CallControl is the slice of the telephony control plane a session uses.
type CallControl interface {
	EndCall(ctx context.Context, callSID string) error
}

// ConferenceService is the coordinator surface a session calls into. It is
// nil for sessions that never transfer.
type ConferenceService interface {
	// BeginTransfer creates the conference for the given session and dials
	// the owner in. It blocks until the control-plane calls complete.
	BeginTransfer(ctx context.Context, streamSID, reason string) error

	// RouteRawAudio forwards an inbound frame to the other participant.
	RouteRawAudio(fromStreamSID string, frame []byte)

	// HandleTranscript delivers a final utterance to the shared
	// conversation and the gatekeeper.
	HandleTranscript(fromStreamSID, speakerID, text string)
}

// StartInfo is the identity carried by the telephony start frame.
type StartInfo struct {
	StreamSID     string
	CallSID       string
	From          string
	To            string
	AppointmentID string
	ConferenceID  string
	Role          LegRole
}

// Config carries the per-session tunables injected by the registry.
type Config struct {
	SystemPrompt string
	VoiceID      string
	Language     string

	// BargeInOnAudio enables the energy-based interruption path in
	// addition to the authoritative transcript path.
	BargeInOnAudio bool
}

// adapterSet is the swappable per-connection half of a session: the uplink
// transport and the STT stream bound to the current WebSocket.
type adapterSet struct {
	transport telephony.Adapter
	stt       stt.SessionHandle
}

// ─── session events ───

type sessionEvent interface{ isSessionEvent() }

type evTranscript struct {
	text      string
	speakerID string
}

type evLLM struct{ event Event }

type evTTSDrained struct{ turn int }

type evFlushTimeout struct{ turn int }

type evVerbatim struct {
	text string
	errc chan error
}

type evSwap struct {
	set  *adapterSet
	done chan struct{}
}

type evForceListening struct{ reason string }

func (evTranscript) isSessionEvent()     {}
func (evLLM) isSessionEvent()            {}
func (evTTSDrained) isSessionEvent()     {}
func (evFlushTimeout) isSessionEvent()   {}
func (evVerbatim) isSessionEvent()       {}
func (evSwap) isSessionEvent()           {}
func (evForceListening) isSessionEvent() {}

// Session is the per-call coordinator. It owns the state machine, the
// conversation, the audio gate, and the in-flight generation, and serializes
// every state mutation through a single-consumer event loop. Inbound audio
// bypasses the loop: frames are forwarded to STT (and, in a conference, to
// the peer) straight off the reader goroutine.
//
// Sessions are created and destroyed exclusively by the [Registry].
type Session struct {
	id            string
	callSID       string
	role          LegRole
	appointmentID string
	from, to      string

	log      *slog.Logger
	cfg      Config
	metrics  *observe.Metrics
	machine  *Machine
	conv     *Conversation
	gate     *Gate
	detector *ActivityDetector
	driver   *Driver

	sttProvider stt.Provider
	ttsProvider tts.Provider
	store       appointment.Store
	control     CallControl

	conference   atomic.Pointer[conferenceRef]
	adapters     atomic.Pointer[adapterSet]
	lastVoice    atomic.Int64
	events       chan sessionEvent
	rootCtx      context.Context
	rootCancel   context.CancelFunc
	loopDone     chan struct{}
	cleanupOnce  sync.Once
	terminateOne sync.Once

	// Loop-owned generation state. Never touched off the loop goroutine.
	genCancel  context.CancelFunc
	genStart   time.Time
	ttsStream  tts.StreamHandle
	ttsStart   time.Time
	turn       int
	flushTimer *time.Timer

	outcomeMu      sync.Mutex
	pendingOutcome *outcome
}

// conferenceRef carries the coordinator a session can reach. bridged is
// true only while the session is a paired conference participant; a ref
// with bridged false exists solely so the transfer tool can start one.
type conferenceRef struct {
	svc     ConferenceService
	bridged bool
}

type outcome struct {
	status appointment.Status
	notes  string
}

// Compile-time check: the session is the tool surface's effect target.
var _ SessionEffects = (*Session)(nil)

// newSession wires a session together. Callers go through [Registry.Create].
func newSession(info StartInfo, set *adapterSet, deps Deps, cfg Config, log *slog.Logger) *Session {
	role := info.Role
	if role == "" {
		role = RoleSolo
	}
	log = log.With("stream_sid", info.StreamSID, "call_sid", info.CallSID, "role", string(role))

	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	s := &Session{
		id:            info.StreamSID,
		callSID:       info.CallSID,
		role:          role,
		appointmentID: info.AppointmentID,
		from:          info.From,
		to:            info.To,
		log:           log,
		cfg:           cfg,
		metrics:       metrics,
		machine:       NewMachine(log),
		conv:          NewConversation(log, role != RoleSolo),
		detector:      NewActivityDetector(),
		sttProvider:   deps.STT,
		ttsProvider:   deps.TTS,
		store:         deps.Store,
		control:       deps.Control,
		events:        make(chan sessionEvent, 256),
		loopDone:      make(chan struct{}),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.gate = NewGate(log, s.currentTransport)
	s.adapters.Store(set)

	toolset := NewToolset(deps.Calendar, s, deps.TransferEnabled, log)
	s.driver = NewDriver(deps.LLM, toolset, cfg.SystemPrompt, log, metrics)
	return s
}

// ID returns the stream identifier the session is keyed by.
func (s *Session) ID() string { return s.id }

// CallSID returns the carrier's call identifier.
func (s *Session) CallSID() string { return s.callSID }

// Role returns the session's part in the call topology.
func (s *Session) Role() LegRole { return s.role }

// AppointmentID returns the bound appointment id, empty if none.
func (s *Session) AppointmentID() string { return s.appointmentID }

// State returns the current call phase.
func (s *Session) State() State { return s.machine.Current() }

// ConversationLen returns the number of finalized conversation messages.
func (s *Session) ConversationLen() int { return s.conv.Len() }

// Conversation exposes the session's message log. The conference
// coordinator reads it when pairing.
func (s *Session) Conversation() *Conversation { return s.conv }

// start transitions to LISTENING and launches the event loop and the STT
// pump for the initial adapter set.
func (s *Session) start() {
	s.machine.Attempt(StateListening, "session initialized")
	go s.loop()
	if set := s.adapters.Load(); set != nil && set.stt != nil {
		go s.pumpSTT(set.stt)
	}
}

// ─── hot path ───

// HandleFrame ingests one inbound μ-law frame. It never blocks: the frame
// is forwarded to STT, and in a conference also to the peer leg. Frames
// arriving while no adapter set is installed are dropped.
func (s *Session) HandleFrame(frame []byte) {
	if ref := s.conference.Load(); ref != nil && ref.bridged {
		ref.svc.RouteRawAudio(s.id, frame)
	}
	set := s.adapters.Load()
	if set == nil || set.stt == nil {
		return
	}
	if err := set.stt.SendAudio(frame); err != nil {
		// Adapter closed mid-swap; the frame is dropped, not queued.
		return
	}
	if FrameActive(frame) {
		s.lastVoice.Store(time.Now().UnixNano())
		if s.cfg.BargeInOnAudio && s.machine.Current() == StateSpeaking && s.detector.ShouldInterrupt(frame) {
			s.post(evTranscript{text: ""})
		}
	}
}

// HandleDTMF logs an inbound keypad digit. Digits are informational for
// the agent; the model reacts to them through the transcript.
func (s *Session) HandleDTMF(digit string) {
	s.log.Info("inbound dtmf", "digit", digit)
}

// ─── public operations (posted into the loop) ───

// SpeakVerbatim synthesizes text without involving the language model,
// used for handoff announcements and greetings. It fails when a generation
// is mid-flight (state THINKING).
func (s *Session) SpeakVerbatim(text string) error {
	errc := make(chan error, 1)
	if !s.post(evVerbatim{text: text, errc: errc}) {
		return errors.New("call: session is shutting down")
	}
	select {
	case err := <-errc:
		return err
	case <-s.rootCtx.Done():
		return s.rootCtx.Err()
	}
}

// SendDTMF emits one uplink DTMF event per digit.
func (s *Session) SendDTMF(digits string) error {
	if err := validateDigits(digits); err != nil {
		return err
	}
	t := s.currentTransport()
	if t == nil {
		return errors.New("call: no transport attached")
	}
	for _, r := range digits {
		if err := t.SendDTMF(string(r)); err != nil {
			return fmt.Errorf("call: send dtmf: %w", err)
		}
	}
	return nil
}

// HangUp records the appointment outcome and asks the control plane to end
// the call. The registry deletes the session when the stream closes. Only
// the first call issues a terminate request.
func (s *Session) HangUp(status appointment.Status, notes string) error {
	s.outcomeMu.Lock()
	s.pendingOutcome = &outcome{status: status, notes: notes}
	s.outcomeMu.Unlock()

	var err error
	s.terminateOne.Do(func() {
		s.persistOutcome(s.rootCtx)
		if s.control == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.control.EndCall(ctx, s.callSID)
	})
	if err != nil {
		return fmt.Errorf("call: hang up: %w", err)
	}
	return nil
}

// RecordOutcome persists the appointment outcome without ending the call.
// Persistence failures are logged and retried on cleanup.
func (s *Session) RecordOutcome(ctx context.Context, status appointment.Status, notes string) error {
	s.outcomeMu.Lock()
	s.pendingOutcome = &outcome{status: status, notes: notes}
	s.outcomeMu.Unlock()
	s.persistOutcome(ctx)
	return nil
}

// TransferToHuman speaks a handoff announcement, lets it play out, then
// asks the conference coordinator to bridge the owner in. On failure the
// session returns to LISTENING and the error propagates to the tool round.
//
// The announcement cancels the generation whose tool round invoked the
// transfer, which also cancels ctx; the handoff itself therefore runs on
// the session scope.
func (s *Session) TransferToHuman(ctx context.Context, reason string) error {
	ref := s.conference.Load()
	if ref == nil {
		return errors.New("call: no conference coordinator attached")
	}

	announcement := "One moment please, I'm bringing someone on the line to help with that."
	if err := s.SpeakVerbatim(announcement); err != nil {
		s.log.Warn("handoff announcement failed", "error", err)
	}

	select {
	case <-time.After(transferSettle):
	case <-s.rootCtx.Done():
		return s.rootCtx.Err()
	}

	if err := ref.svc.BeginTransfer(s.rootCtx, s.id, reason); err != nil {
		s.post(evForceListening{reason: "transfer failed"})
		return fmt.Errorf("call: transfer: %w", err)
	}
	return nil
}

// AttachConference hands the session its coordinator so the transfer tool
// can reach it. Solo routing is unaffected until the session joins a
// bridge via [Session.JoinConference].
func (s *Session) AttachConference(svc ConferenceService) {
	if svc == nil {
		s.conference.Store(nil)
		return
	}
	s.conference.Store(&conferenceRef{svc: svc})
}

// JoinConference marks the session as a bridged participant. Inbound audio
// and transcripts route through the coordinator from here on.
func (s *Session) JoinConference(svc ConferenceService) {
	s.conference.Store(&conferenceRef{svc: svc, bridged: true})
}

// DetachConference returns the session to solo routing. The coordinator
// stays attached so a later transfer can still reach it.
func (s *Session) DetachConference() {
	if ref := s.conference.Load(); ref != nil && ref.bridged {
		s.conference.Store(&conferenceRef{svc: ref.svc})
	}
}

// InConference reports whether the session is currently paired.
func (s *Session) InConference() bool {
	ref := s.conference.Load()
	return ref != nil && ref.bridged
}

// SendRawAudio writes a frame to the uplink transport, bypassing the gate.
// The conference coordinator uses it so humans always hear each other.
func (s *Session) SendRawAudio(frame []byte) error {
	t := s.currentTransport()
	if t == nil {
		return errors.New("call: no transport attached")
	}
	return t.SendAudio(frame)
}

// Gate exposes the audio gate for the conference coordinator's fan-out.
func (s *Session) Gate() *Gate { return s.gate }

// swapAdapters atomically installs a new adapter set and waits for the
// loop to acknowledge. The old STT handle is closed exactly once; the old
// transport is closed by the registry.
func (s *Session) swapAdapters(set *adapterSet) {
	done := make(chan struct{})
	if !s.post(evSwap{set: set, done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.rootCtx.Done():
	}
}

// cleanup aborts the LLM scope, stops outgoing audio, closes the adapters,
// retries any unpersisted outcome, and resets state. Idempotent.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.rootCancel()
		<-s.loopDone

		s.gate.StopImmediately()
		if s.ttsStream != nil {
			_ = s.ttsStream.Close()
			s.ttsStream = nil
		}
		if set := s.adapters.Load(); set != nil {
			if set.stt != nil {
				_ = set.stt.Close()
			}
			if set.transport != nil {
				_ = set.transport.Close()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.persistOutcome(ctx)
		cancel()

		s.machine.Attempt(StateIdle, "teardown")
		s.log.Info("session cleaned up")
	})
}

// ─── event loop ───

func (s *Session) post(ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.rootCtx.Done():
		return false
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch e := ev.(type) {
	case evTranscript:
		s.handleTranscript(e.text, e.speakerID)
	case evLLM:
		s.handleLLMEvent(e.event)
	case evTTSDrained:
		s.handleDrained(e.turn)
	case evFlushTimeout:
		s.handleFlushTimeout(e.turn)
	case evVerbatim:
		e.errc <- s.handleVerbatim(e.text)
	case evSwap:
		s.handleSwap(e.set)
		close(e.done)
	case evForceListening:
		s.abandonTurn()
		s.machine.Attempt(StateListening, e.reason)
	default:
		s.log.Warn("unknown session event", "event", fmt.Sprintf("%T", ev))
	}
}

// handleTranscript is the authoritative input path. A transcript arriving
// while the agent speaks is a barge-in: the interruption path runs first,
// then the transcript is processed normally.
func (s *Session) handleTranscript(text, speakerID string) {
	if s.machine.Current() == StateSpeaking {
		source := "transcript"
		if text == "" {
			source = "audio"
		}
		s.interrupt(source)
	}
	if text == "" {
		// Energy-based activity with no words; interruption is done.
		return
	}

	if last := s.lastVoice.Load(); last != 0 {
		// Endpointing plus provider latency: last voiced frame to final text.
		s.metrics.STTDuration.Record(s.rootCtx, time.Since(time.Unix(0, last)).Seconds())
	}

	if ref := s.conference.Load(); ref != nil && ref.bridged {
		ref.svc.HandleTranscript(s.id, speakerID, text)
		return
	}

	if st := s.machine.Current(); st != StateListening {
		s.log.Info("transcript dropped", "state", st.String(), "text", text)
		return
	}

	s.conv.AppendUser(text, speakerID)
	if !s.machine.Attempt(StateThinking, "user input") {
		return
	}
	s.startGeneration()
}

// interrupt runs the barge-in path: close gate, clear downstream, cancel
// the generation, drop queued TTS audio, finalize the partial message.
// No network round-trip happens here. An empty source marks an internal
// preemption that should not count as a barge-in.
func (s *Session) interrupt(source string) {
	if source != "" {
		s.metrics.RecordInterruption(s.rootCtx, source)
	}
	s.machine.Attempt(StateInterrupted, "user interrupted")
	s.gate.StopImmediately()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	if s.ttsStream != nil {
		_ = s.ttsStream.Close()
		s.ttsStream = nil
	}
	s.stopFlushTimer()
	s.genStart = time.Time{}
	s.ttsStart = time.Time{}
	s.conv.FinishAssistantInterrupted()
	s.machine.Attempt(StateListening, "ready")
}

// startGeneration opens a fresh cancellation scope and spawns the driver,
// forwarding its events into the loop.
func (s *Session) startGeneration() {
	genCtx, cancel := context.WithCancel(s.rootCtx)
	s.genCancel = cancel
	s.genStart = time.Now()

	snapshot := s.conv.Snapshot()
	events := s.driver.Generate(genCtx, snapshot)
	go func() {
		for ev := range events {
			if !s.post(evLLM{event: ev}) {
				return
			}
		}
	}()
}

func (s *Session) handleLLMEvent(ev Event) {
	switch ev.Kind {
	case EventStart, EventTextStart, EventTextEnd:
		// Informational.
	case EventTextDelta:
		s.handleTextDelta(ev.Text)
	case EventReasoning:
		s.log.Debug("model reasoning", "text", ev.Text)
	case EventToolCall:
		s.conv.AddAssistantStructured([]Part{{ToolCall: ev.ToolCall}})
		s.log.Info("tool call", "tool", ev.ToolCall.Name, "id", ev.ID)
	case EventToolResult:
		s.conv.AddToolResults([]ToolResult{{CallID: ev.ID, Payload: ev.Payload}})
	case EventToolError:
		s.conv.AddToolResults([]ToolResult{{CallID: ev.ID, Payload: ev.Payload}})
		s.log.Warn("tool error", "id", ev.ID, "error", ev.Err)
	case EventFinish:
		s.handleFinish(ev.Reason)
	case EventError:
		s.log.Error("generation failed", "error", ev.Err)
		s.metrics.RecordProviderError(s.rootCtx, "llm", "stream")
		s.abandonTurn()
		s.machine.Attempt(StateListening, "generation error")
	case EventAbort:
		// The interruption path (or cleanup) already handled state.
		s.log.Debug("generation aborted")
	default:
		s.log.Warn("unknown generation event", "kind", ev.Kind.String())
	}
}

// handleTextDelta routes one spoken text chunk to the conversation and the
// TTS stream, opening the speaking turn on the first delta.
func (s *Session) handleTextDelta(delta string) {
	if s.machine.Current() == StateThinking {
		if !s.machine.Attempt(StateSpeaking, "generating") {
			return
		}
		s.conv.StartAssistant()
		s.gate.Enable()
		if err := s.openTTSTurn(); err != nil {
			s.log.Error("tts open failed", "error", err)
			s.gate.Disable()
			s.machine.Attempt(StateListening, "tts unavailable")
			return
		}
	}
	if s.machine.Current() != StateSpeaking || s.ttsStream == nil {
		return
	}
	s.conv.ExtendAssistant(delta)
	if err := s.ttsStream.SendText(delta); err != nil {
		s.log.Warn("tts delta dropped", "error", err)
	}
}

// openTTSTurn opens a synthesis stream for the current turn and starts the
// audio pump feeding the gate. The pump posts the drained event when the
// provider closes the audio channel.
func (s *Session) openTTSTurn() error {
	stream, err := s.ttsProvider.OpenStream(s.rootCtx, tts.StreamConfig{
		VoiceID:      s.cfg.VoiceID,
		OutputFormat: "ulaw_8000",
	})
	if err != nil {
		s.metrics.RecordProviderError(s.rootCtx, "tts", "open")
		return err
	}
	s.ttsStream = stream
	s.ttsStart = time.Now()
	s.turn++
	turn := s.turn
	go func() {
		for frame := range stream.Audio() {
			s.gate.Send(frame)
		}
		s.post(evTTSDrained{turn: turn})
	}()
	return nil
}

// handleFinish ends the generation half of a turn. With a speaking turn
// open the session stays in SPEAKING until the TTS drains; without one
// (pure tool round, empty response) it returns to LISTENING directly.
func (s *Session) handleFinish(reason string) {
	switch s.machine.Current() {
	case StateSpeaking:
		s.conv.FinishAssistant()
		if s.ttsStream != nil {
			if err := s.ttsStream.Flush(); err != nil {
				s.log.Warn("tts flush failed", "error", err)
			}
			s.startFlushTimer(s.turn)
		}
	case StateThinking:
		s.conv.FinishAssistant()
		s.machine.Attempt(StateListening, "finished without speech")
	default:
		s.log.Debug("finish in unexpected state",
			"state", s.machine.Current().String(), "reason", reason)
	}
	if !s.genStart.IsZero() {
		s.metrics.LLMDuration.Record(s.rootCtx, time.Since(s.genStart).Seconds())
		s.genStart = time.Time{}
	}
	s.genCancel = nil
}

// handleDrained completes a speaking turn once all synthesized audio has
// been sent.
func (s *Session) handleDrained(turn int) {
	if turn != s.turn {
		// A stale pump from an interrupted turn.
		return
	}
	s.stopFlushTimer()
	if s.machine.Current() != StateSpeaking {
		return
	}
	s.machine.Attempt(StateListening, "tts drained")
	s.gate.Disable()
	if !s.ttsStart.IsZero() {
		s.metrics.TTSDuration.Record(s.rootCtx, time.Since(s.ttsStart).Seconds())
		s.ttsStart = time.Time{}
	}
	s.ttsStream = nil

	// Playback checkpoint: the carrier echoes the mark back once every
	// frame queued before it has actually been played to the caller.
	if t := s.currentTransport(); t != nil {
		if err := t.SendMark("turn-" + strconv.Itoa(turn)); err != nil {
			s.log.Debug("mark not sent", "error", err)
		}
	}
}

// handleFlushTimeout forces the session out of SPEAKING when the TTS
// drained signal never arrives.
func (s *Session) handleFlushTimeout(turn int) {
	if turn != s.turn || s.machine.Current() != StateSpeaking {
		return
	}
	s.log.Warn("tts drained signal missing, forcing listening")
	s.abandonTurn()
	s.machine.Attempt(StateListening, "flush timeout")
}

// handleVerbatim speaks text without a generation, preempting one in
// flight. A tool round can legitimately request speech (the transfer
// handoff announcement), so THINKING cancels the generation that asked
// rather than refusing.
func (s *Session) handleVerbatim(text string) error {
	switch s.machine.Current() {
	case StateThinking:
		if s.genCancel != nil {
			s.genCancel()
			s.genCancel = nil
		}
		s.genStart = time.Time{}
		s.machine.Attempt(StateListening, "verbatim preempts generation")
	case StateSpeaking:
		s.interrupt("")
	}
	if s.machine.Current() != StateListening {
		return fmt.Errorf("call: cannot speak verbatim in state %s", s.machine.Current())
	}

	s.machine.Attempt(StateThinking, "verbatim")
	s.machine.Attempt(StateSpeaking, "verbatim")
	s.gate.Enable()
	if err := s.openTTSTurn(); err != nil {
		s.gate.Disable()
		s.machine.Attempt(StateListening, "tts unavailable")
		return err
	}
	if err := s.ttsStream.SendText(text); err != nil {
		s.log.Warn("verbatim text dropped", "error", err)
	}
	if err := s.ttsStream.Flush(); err != nil {
		s.log.Warn("verbatim flush failed", "error", err)
	}
	s.startFlushTimer(s.turn)
	return nil
}

// handleSwap installs a fresh adapter set after a reconnect. Conversation,
// state, conference binding, and speaker bindings are untouched; only the
// connection-scoped handles change.
func (s *Session) handleSwap(set *adapterSet) {
	old := s.adapters.Swap(set)
	if old != nil {
		if old.stt != nil {
			_ = old.stt.Close()
		}
		if old.transport != nil {
			_ = old.transport.Close()
		}
	}
	if set != nil && set.stt != nil {
		go s.pumpSTT(set.stt)
	}
	s.log.Info("media stream adapters swapped")
}

// abandonTurn tears down an in-flight speaking turn without the barge-in
// conversation semantics.
func (s *Session) abandonTurn() {
	s.gate.StopImmediately()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	if s.ttsStream != nil {
		_ = s.ttsStream.Close()
		s.ttsStream = nil
	}
	s.genStart = time.Time{}
	s.ttsStart = time.Time{}
	s.stopFlushTimer()
}

func (s *Session) startFlushTimer(turn int) {
	s.stopFlushTimer()
	s.flushTimer = time.AfterFunc(flushTimeout, func() {
		s.post(evFlushTimeout{turn: turn})
	})
}

func (s *Session) stopFlushTimer() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// pumpSTT forwards utterances from one STT handle into the loop. It exits
// when the handle's channel closes (on swap or cleanup).
func (s *Session) pumpSTT(handle stt.SessionHandle) {
	for u := range handle.Utterances() {
		if !s.post(evTranscript{text: u.Text, speakerID: u.SpeakerID}) {
			return
		}
	}
}

func (s *Session) currentTransport() telephony.Adapter {
	set := s.adapters.Load()
	if set == nil {
		return nil
	}
	return set.transport
}

// persistOutcome writes the pending appointment outcome, keeping it for a
// later retry when the store is unreachable.
func (s *Session) persistOutcome(ctx context.Context) {
	s.outcomeMu.Lock()
	pending := s.pendingOutcome
	s.outcomeMu.Unlock()
	if pending == nil || s.store == nil || s.appointmentID == "" {
		return
	}

	status := pending.status
	notes := pending.notes
	patch := appointment.Patch{Status: &status}
	if notes != "" {
		patch.Notes = &notes
	}
	if err := s.store.Update(ctx, s.appointmentID, patch); err != nil {
		s.log.Warn("appointment outcome not persisted, will retry",
			"appointment_id", s.appointmentID, "error", err)
		return
	}

	s.outcomeMu.Lock()
	if s.pendingOutcome == pending {
		s.pendingOutcome = nil
	}
	s.outcomeMu.Unlock()
}
