package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/attenda-ai/attenda/internal/calendar"
	"github.com/attenda-ai/attenda/internal/call"
	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
	"github.com/attenda-ai/attenda/pkg/provider/tts"
	"github.com/attenda-ai/attenda/pkg/telephony/twilio"
)

// ControlPlane is the slice of the carrier REST client the coordinator uses
// to move legs into a conference.
type ControlPlane interface {
	PlaceCall(ctx context.Context, p twilio.PlaceCallParams) (*twilio.Call, error)
	RedirectCall(ctx context.Context, callSID, twiml string) (*twilio.Call, error)
}

// SessionDirectory resolves stream ids to live sessions. Implemented by
// [call.Registry].
type SessionDirectory interface {
	Get(streamSID string) *call.Session
}

// Config carries the coordinator tunables.
type Config struct {
	// OwnerPhone is the number dialed on transfer. Empty disables transfers.
	OwnerPhone string

	// AgentPhone is the caller id for the owner leg.
	AgentPhone string

	// PublicBaseURL is the externally reachable https base of this process,
	// used to compute the media-stream and status-callback URLs.
	PublicBaseURL string

	// VoiceID selects the shared TTS voice.
	VoiceID string

	// AgentName is the name participants use to address the agent.
	AgentName string

	// SystemPrompt is the base prompt; the coordinator appends the
	// conference etiquette instructions.
	SystemPrompt string
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Control    ControlPlane
	Sessions   SessionDirectory
	LLM        llm.Provider
	TTS        tts.Provider
	Calendar   calendar.Service
	Gatekeeper *Gatekeeper

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Coordinator pairs a caller leg and an owner leg into a conference bridge:
// raw inbound audio from each human is forwarded to the other, bypassing
// gates, and a single shared agent speaks to both when the gatekeeper
// allows it.
type Coordinator struct {
	log        *slog.Logger
	cfg        Config
	deps       Deps
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	byConference map[string]*bridge
	byStream     map[string]*bridge
}

var _ call.ConferenceService = (*Coordinator)(nil)

// NewCoordinator creates an empty coordinator.
func NewCoordinator(cfg Config, deps Deps, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if deps.Gatekeeper == nil {
		deps.Gatekeeper = NewGatekeeper(deps.LLM, cfg.AgentName, log)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	c := &Coordinator{
		log:          log,
		cfg:          cfg,
		deps:         deps,
		byConference: make(map[string]*bridge),
		byStream:     make(map[string]*bridge),
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// bridge is one live conference: two sessions, a shared conversation, and
// at most one in-flight shared generation.
type bridge struct {
	id   string
	conv *call.Conversation

	mu     sync.Mutex
	caller *call.Session
	owner  *call.Session
	gen    *sharedGen
}

// sharedGen identifies one in-flight shared generation so a stale
// completion never tears down its successor.
type sharedGen struct {
	cancel context.CancelFunc
	stream tts.StreamHandle
}

// BeginTransfer moves the caller's live call into a fresh conference and
// dials the owner in. It blocks until both control-plane requests complete.
func (c *Coordinator) BeginTransfer(ctx context.Context, streamSID, reason string) error {
	if c.deps.Control == nil {
		return errors.New("conference: no control plane configured")
	}
	if c.cfg.OwnerPhone == "" {
		return errors.New("conference: no owner phone configured")
	}
	s := c.deps.Sessions.Get(streamSID)
	if s == nil {
		return fmt.Errorf("conference: unknown stream %q", streamSID)
	}

	confID := "conf-" + uuid.NewString()
	conv := call.NewConversation(c.log, true)
	conv.Seed(s.Conversation().Messages())

	c.mu.Lock()
	c.byConference[confID] = &bridge{id: confID, conv: conv}
	c.mu.Unlock()
	c.deps.Metrics.ActiveConferences.Add(ctx, 1)

	wsURL := mediaStreamURL(c.cfg.PublicBaseURL)
	statusCB := strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/conference/status"

	callerTwiML := twilio.ConferenceStreamTwiML(wsURL, map[string]string{
		"conferenceId":  confID,
		"role":          string(call.RoleCaller),
		"appointmentId": s.AppointmentID(),
	}, confID, statusCB)
	if _, err := c.deps.Control.RedirectCall(ctx, s.CallSID(), callerTwiML); err != nil {
		c.drop(confID)
		return fmt.Errorf("conference: redirect caller: %w", err)
	}

	ownerTwiML := twilio.ConferenceStreamTwiML(wsURL, map[string]string{
		"conferenceId": confID,
		"role":         string(call.RoleOwner),
	}, confID, statusCB)
	if _, err := c.deps.Control.PlaceCall(ctx, twilio.PlaceCallParams{
		To:             c.cfg.OwnerPhone,
		From:           c.cfg.AgentPhone,
		TwiML:          ownerTwiML,
		StatusCallback: statusCB,
	}); err != nil {
		c.drop(confID)
		return fmt.Errorf("conference: dial owner: %w", err)
	}

	c.deps.Metrics.Transfers.Add(ctx, 1)
	c.log.Info("transfer initiated", "conference_id", confID, "stream_sid", streamSID, "reason", reason)
	return nil
}

// Adopt binds a session to its conference bridge by role and attaches the
// coordinator. Called by the media-stream dispatcher when a start frame
// carries a conference id.
func (c *Coordinator) Adopt(s *call.Session, conferenceID string, role call.LegRole) {
	if s == nil || conferenceID == "" {
		return
	}

	c.mu.Lock()
	b := c.byConference[conferenceID]
	created := b == nil
	if created {
		// A leg arriving for a conference this process never initiated,
		// e.g. after a restart mid-transfer. Bridge it with a fresh log.
		b = &bridge{id: conferenceID, conv: call.NewConversation(c.log, true)}
		c.byConference[conferenceID] = b
	}
	c.byStream[s.ID()] = b
	c.mu.Unlock()
	if created {
		c.deps.Metrics.ActiveConferences.Add(c.rootCtx, 1)
	}

	b.mu.Lock()
	if role == call.RoleOwner {
		b.owner = s
	} else {
		b.caller = s
	}
	paired := b.caller != nil && b.owner != nil
	b.mu.Unlock()

	s.JoinConference(c)
	if paired {
		c.log.Info("conference paired", "conference_id", conferenceID)
	}
}

// RouteRawAudio forwards an inbound frame to the other participant's egress
// transport, bypassing its gate. Humans must always hear each other.
func (c *Coordinator) RouteRawAudio(fromStreamSID string, frame []byte) {
	b := c.bridgeByStream(fromStreamSID)
	if b == nil {
		return
	}
	peer := b.peerOf(fromStreamSID)
	if peer == nil {
		return
	}
	_ = peer.SendRawAudio(frame)
}

// HandleTranscript appends a human utterance to the shared conversation and
// consults the gatekeeper asynchronously. A transcript arriving while the
// shared agent speaks interrupts it first.
func (c *Coordinator) HandleTranscript(fromStreamSID, speakerID string, text string) {
	b := c.bridgeByStream(fromStreamSID)
	if b == nil || text == "" {
		return
	}
	speaker := b.speakerOf(fromStreamSID)
	b.interruptSpeech()
	b.conv.AppendUserAs(text, speaker)
	c.log.Debug("conference transcript", "speaker", string(speaker), "diarization_id", speakerID)
	go c.consult(b, speaker)
}

// Leave removes a participant. The remaining peer, if any, goes back to
// solo mode and the bridge is torn down.
func (c *Coordinator) Leave(streamSID string) {
	c.mu.Lock()
	b := c.byStream[streamSID]
	if b == nil {
		c.mu.Unlock()
		return
	}
	delete(c.byStream, streamSID)
	c.mu.Unlock()

	b.mu.Lock()
	var leaving, peer *call.Session
	if b.caller != nil && b.caller.ID() == streamSID {
		leaving, peer = b.caller, b.owner
		b.caller = nil
	} else {
		leaving, peer = b.owner, b.caller
		b.owner = nil
	}
	b.mu.Unlock()

	b.interruptSpeech()
	if leaving != nil {
		leaving.DetachConference()
	}
	if peer != nil {
		peer.DetachConference()
		c.mu.Lock()
		delete(c.byStream, peer.ID())
		c.mu.Unlock()
		c.log.Info("participant left, peer back to solo",
			"conference_id", b.id, "stream_sid", streamSID, "peer", peer.ID())
	}
	c.drop(b.id)
}

// End tears down a conference by id, detaching both participants. Driven by
// the carrier's "end" status callback.
func (c *Coordinator) End(conferenceID string) {
	c.mu.Lock()
	b := c.byConference[conferenceID]
	c.mu.Unlock()
	if b == nil {
		return
	}

	b.mu.Lock()
	caller, owner := b.caller, b.owner
	b.caller, b.owner = nil, nil
	b.mu.Unlock()

	b.interruptSpeech()
	for _, s := range []*call.Session{caller, owner} {
		if s == nil {
			continue
		}
		s.DetachConference()
		c.mu.Lock()
		delete(c.byStream, s.ID())
		c.mu.Unlock()
	}
	c.drop(conferenceID)
	c.log.Info("conference ended", "conference_id", conferenceID)
}

// Close tears down every bridge. Called on process shutdown.
func (c *Coordinator) Close() {
	c.rootCancel()
	c.mu.Lock()
	bridges := make([]*bridge, 0, len(c.byConference))
	for _, b := range c.byConference {
		bridges = append(bridges, b)
	}
	c.byConference = make(map[string]*bridge)
	c.byStream = make(map[string]*bridge)
	c.mu.Unlock()

	for _, b := range bridges {
		b.interruptSpeech()
	}
}

// consult runs off the transcript path so the gatekeeper's advisory never
// blocks audio ingress.
func (c *Coordinator) consult(b *bridge, speaker call.Speaker) {
	d := c.deps.Gatekeeper.Advise(c.rootCtx, b.conv.Snapshot(), speaker)
	c.deps.Metrics.RecordGatekeeperDecision(c.rootCtx, d.Respond)
	if !d.Respond {
		c.log.Debug("gatekeeper kept the agent silent",
			"conference_id", b.id, "reason", d.Reason, "confidence", d.Confidence)
		return
	}
	c.log.Info("gatekeeper approved a response",
		"conference_id", b.id, "reason", d.Reason, "confidence", d.Confidence)
	c.respond(b)
}

// respond runs one shared generation, fanning the synthesized audio to both
// participants. At most one generation is in flight per bridge.
func (c *Coordinator) respond(b *bridge) {
	b.mu.Lock()
	if b.gen != nil {
		b.mu.Unlock()
		return
	}
	genCtx, cancel := context.WithCancel(c.rootCtx)
	g := &sharedGen{cancel: cancel}
	b.gen = g
	caller := b.caller
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		if b.gen == g {
			b.gen = nil
		}
		b.mu.Unlock()
	}()

	var tools call.ToolExecutor
	if c.deps.Calendar != nil && caller != nil {
		tools = call.NewToolset(c.deps.Calendar, caller, false, c.log)
	}
	driver := call.NewDriver(c.deps.LLM, tools, c.conferencePrompt(), c.log, c.deps.Metrics)

	var (
		stream   tts.StreamHandle
		pumpDone chan struct{}
		started  bool
	)
	for ev := range driver.Generate(genCtx, b.conv.Snapshot()) {
		switch ev.Kind {
		case call.EventTextDelta:
			if !started {
				st, err := c.deps.TTS.OpenStream(genCtx, tts.StreamConfig{
					VoiceID:      c.cfg.VoiceID,
					OutputFormat: "ulaw_8000",
				})
				if err != nil {
					c.log.Error("conference tts open failed", "error", err)
					c.deps.Metrics.RecordProviderError(genCtx, "tts", "open")
					cancel()
					continue
				}
				stream = st
				b.mu.Lock()
				g.stream = st
				b.mu.Unlock()
				pumpDone = make(chan struct{})
				go func() {
					defer close(pumpDone)
					for frame := range st.Audio() {
						b.fanOut(frame)
					}
				}()
				b.conv.StartAssistant()
				started = true
			}
			b.conv.ExtendAssistant(ev.Text)
			if err := stream.SendText(ev.Text); err != nil {
				c.log.Warn("conference tts delta dropped", "error", err)
			}
		case call.EventToolCall:
			b.conv.AddAssistantStructured([]call.Part{{ToolCall: ev.ToolCall}})
		case call.EventToolResult, call.EventToolError:
			b.conv.AddToolResults([]call.ToolResult{{CallID: ev.ID, Payload: ev.Payload}})
		case call.EventFinish:
			if started {
				b.conv.FinishAssistant()
				if err := stream.Flush(); err != nil {
					c.log.Warn("conference tts flush failed", "error", err)
				}
			}
		case call.EventError:
			c.log.Error("conference generation failed", "error", ev.Err)
			if started {
				b.conv.FinishAssistant()
			}
		case call.EventAbort:
			// interruptSpeech already finalized the partial.
		}
	}

	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-genCtx.Done():
		}
	}
}

// interruptSpeech stops an in-flight shared generation: cancel, close the
// shared TTS, finalize the partial, and clear both downstream buffers.
func (b *bridge) interruptSpeech() {
	b.mu.Lock()
	g := b.gen
	b.gen = nil
	caller, owner := b.caller, b.owner
	b.mu.Unlock()

	if g == nil {
		return
	}
	g.cancel()
	if g.stream != nil {
		_ = g.stream.Close()
	}
	b.conv.FinishAssistantInterrupted()
	for _, s := range []*call.Session{caller, owner} {
		if s != nil {
			s.Gate().ClearDownstream()
		}
	}
}

// fanOut sends one synthesized frame to both egress transports.
func (b *bridge) fanOut(frame []byte) {
	b.mu.Lock()
	caller, owner := b.caller, b.owner
	b.mu.Unlock()
	for _, s := range []*call.Session{caller, owner} {
		if s != nil {
			_ = s.SendRawAudio(frame)
		}
	}
}

func (b *bridge) peerOf(streamSID string) *call.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.caller != nil && b.caller.ID() == streamSID {
		return b.owner
	}
	if b.owner != nil && b.owner.ID() == streamSID {
		return b.caller
	}
	return nil
}

func (b *bridge) speakerOf(streamSID string) call.Speaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil && b.owner.ID() == streamSID {
		return call.SpeakerOwner
	}
	return call.SpeakerCaller
}

// Conversation exposes the shared log for the status endpoint and tests.
func (c *Coordinator) Conversation(conferenceID string) *call.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.byConference[conferenceID]; b != nil {
		return b.conv
	}
	return nil
}

func (c *Coordinator) bridgeByStream(streamSID string) *bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byStream[streamSID]
}

func (c *Coordinator) drop(conferenceID string) {
	c.mu.Lock()
	_, live := c.byConference[conferenceID]
	delete(c.byConference, conferenceID)
	c.mu.Unlock()
	if live {
		c.deps.Metrics.ActiveConferences.Add(c.rootCtx, -1)
	}
}

func (c *Coordinator) conferencePrompt() string {
	return c.cfg.SystemPrompt + "\n\nYou are now in a three-way call with the business ([CALLER]) " +
		"and the account owner ([OWNER]). Speak only when addressed or when you can complete a task " +
		"for the participants. Keep replies short."
}

// mediaStreamURL converts the public https base URL into the wss endpoint
// carriers connect their media stream to.
func mediaStreamURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}
