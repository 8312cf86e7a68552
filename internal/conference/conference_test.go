package conference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attenda-ai/attenda/internal/call"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
	llmmock "github.com/attenda-ai/attenda/pkg/provider/llm/mock"
	sttmock "github.com/attenda-ai/attenda/pkg/provider/stt/mock"
	ttsmock "github.com/attenda-ai/attenda/pkg/provider/tts/mock"
	telmock "github.com/attenda-ai/attenda/pkg/telephony/mock"
	"github.com/attenda-ai/attenda/pkg/telephony/twilio"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type fakeControl struct {
	mu          sync.Mutex
	redirectErr error
	placeErr    error
	redirects   []struct{ CallSID, TwiML string }
	placed      []twilio.PlaceCallParams
}

func (f *fakeControl) RedirectCall(_ context.Context, callSID, twiml string) (*twilio.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirectErr != nil {
		return nil, f.redirectErr
	}
	f.redirects = append(f.redirects, struct{ CallSID, TwiML string }{callSID, twiml})
	return &twilio.Call{SID: callSID}, nil
}

func (f *fakeControl) PlaceCall(_ context.Context, p twilio.PlaceCallParams) (*twilio.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, p)
	return &twilio.Call{SID: "CA-owner"}, nil
}

type fixture struct {
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	stt      *sttmock.Provider
	control  *fakeControl
	registry *call.Registry
	coord    *Coordinator

	caller, owner     *call.Session
	adapter1, adapter2 *telmock.Adapter
}

func newFixture(t *testing.T, provider *llmmock.Provider) *fixture {
	t.Helper()
	f := &fixture{
		llm:     provider,
		tts:     &ttsmock.Provider{AutoAudio: [][]byte{{0x01}, {0x02}}},
		stt:     &sttmock.Provider{},
		control: &fakeControl{},
	}
	f.registry = call.NewRegistry(call.Deps{
		STT: f.stt, TTS: f.tts, LLM: f.llm,
	}, call.Config{VoiceID: "voice-1"}, nil)
	t.Cleanup(f.registry.Close)

	f.coord = NewCoordinator(Config{
		OwnerPhone:    "+15550001111",
		AgentPhone:    "+15550002222",
		PublicBaseURL: "https://agent.example.com",
		VoiceID:       "voice-1",
		AgentName:     "Jordan",
		SystemPrompt:  "You call businesses on the user's behalf.",
	}, Deps{
		Control:  f.control,
		Sessions: f.registry,
		LLM:      f.llm,
		TTS:      f.tts,
	}, nil)
	t.Cleanup(f.coord.Close)
	return f
}

// pair stands up two live sessions and binds them into one conference.
func (f *fixture) pair(t *testing.T) {
	t.Helper()
	f.adapter1 = telmock.New("S1")
	f.adapter2 = telmock.New("S2")

	var err error
	f.caller, _, err = f.registry.HandleStart(context.Background(),
		call.StartInfo{StreamSID: "S1", CallSID: "CA1", Role: call.RoleCaller, ConferenceID: "conf-x"}, f.adapter1)
	if err != nil {
		t.Fatalf("HandleStart caller: %v", err)
	}
	f.owner, _, err = f.registry.HandleStart(context.Background(),
		call.StartInfo{StreamSID: "S2", CallSID: "CA2", Role: call.RoleOwner, ConferenceID: "conf-x"}, f.adapter2)
	if err != nil {
		t.Fatalf("HandleStart owner: %v", err)
	}

	f.coord.Adopt(f.caller, "conf-x", call.RoleCaller)
	f.coord.Adopt(f.owner, "conf-x", call.RoleOwner)
}

func TestCoordinator_RoutesRawAudioPeerToPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.pair(t)

	if f.owner.Gate().IsEnabled() {
		t.Fatal("owner gate unexpectedly enabled")
	}

	// Audio entering through the caller session must surface on the owner's
	// egress even with the owner's gate disabled.
	f.caller.HandleFrame([]byte{0x10, 0x20, 0x30})

	waitFor(t, "frame routed to owner", func() bool { return f.adapter2.MediaCount() == 1 })
	if f.adapter1.MediaCount() != 0 {
		t.Error("frame echoed back to the sender")
	}

	f.owner.HandleFrame([]byte{0x40})
	waitFor(t, "frame routed to caller", func() bool { return f.adapter1.MediaCount() == 1 })
}

func TestCoordinator_RespondsWhenGatekeeperApproves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"respond": true, "reason": "asked for a calendar check", "confidence": 0.9}`,
		},
		StreamChunks: []llm.Chunk{
			{Text: "Your Tuesday morning is free."},
			{FinishReason: "stop"},
		},
	})
	f.pair(t)

	f.coord.HandleTranscript("S2", "0", "Jordan, check my calendar")

	waitFor(t, "shared reply fanned out to both legs", func() bool {
		return f.adapter1.MediaCount() == 2 && f.adapter2.MediaCount() == 2
	})

	conv := f.coord.Conversation("conf-x")
	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("conversation = %+v", msgs)
	}
	if msgs[0].Content != "[OWNER]: Jordan, check my calendar" || msgs[0].Speaker != call.SpeakerOwner {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != call.RoleAssistant || msgs[1].Content != "Your Tuesday morning is free." {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if f.owner.Gate().IsEnabled() || f.caller.Gate().IsEnabled() {
		t.Error("shared audio must bypass the session gates")
	}
	if got := f.tts.LastStream().Text(); got != "Your Tuesday morning is free." {
		t.Errorf("tts text = %q", got)
	}
}

func TestCoordinator_SilentWhenGatekeeperDeclines(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"respond": false, "reason": "humans talking to each other", "confidence": 0.8}`,
		},
	})
	f.pair(t)

	f.coord.HandleTranscript("S1", "0", "see you tomorrow")
	f.coord.HandleTranscript("S2", "0", "ok thanks")

	waitFor(t, "both advisories to run", func() bool {
		return f.llm.CompleteCallCount() == 2
	})

	if f.llm.StreamCallCount() != 0 {
		t.Error("agent generated despite gatekeeper silence")
	}
	if f.adapter1.MediaCount() != 0 || f.adapter2.MediaCount() != 0 {
		t.Error("agent audio sent despite gatekeeper silence")
	}

	msgs := f.coord.Conversation("conf-x").Messages()
	if len(msgs) != 2 {
		t.Fatalf("conversation = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Content, "[CALLER]: ") || !strings.HasPrefix(msgs[1].Content, "[OWNER]: ") {
		t.Errorf("prefixes missing: %+v", msgs)
	}
}

func TestCoordinator_TranscriptInterruptsSharedSpeech(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"respond": true, "reason": "addressed", "confidence": 0.9}`,
		},
		StreamScript: [][]llm.Chunk{
			{{Text: "Let me pull up the calendar and"}},
			{{Text: "Okay."}, {FinishReason: "stop"}},
		},
		HoldAfter: hold,
	}
	f := newFixture(t, provider)
	f.pair(t)

	f.coord.HandleTranscript("S2", "0", "Jordan, can you check?")
	waitFor(t, "shared speech underway", func() bool {
		return f.tts.LastStream() != nil &&
			f.tts.LastStream().Text() == "Let me pull up the calendar and"
	})
	firstStream := f.tts.LastStream()

	provider.SetHoldAfter(nil)
	f.coord.HandleTranscript("S1", "0", "hold on a second")

	waitFor(t, "interruption processed", func() bool { return firstStream.Closed() })

	waitFor(t, "cleared both downstreams", func() bool {
		return f.adapter1.ClearCount() == 3 && f.adapter2.ClearCount() == 3
	})

	var sawInterrupted bool
	for _, m := range f.coord.Conversation("conf-x").Messages() {
		if strings.HasSuffix(m.Content, " [interrupted]") {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Errorf("interrupted partial missing: %+v", f.coord.Conversation("conf-x").Messages())
	}
}

func TestCoordinator_BeginTransfer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	adapter := telmock.New("S1")
	s, _, err := f.registry.HandleStart(context.Background(),
		call.StartInfo{StreamSID: "S1", CallSID: "CA1"}, adapter)
	if err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	s.Conversation().AppendUser("I need to ask the owner.", "")

	if err := f.coord.BeginTransfer(context.Background(), "S1", "caller asks for the account holder"); err != nil {
		t.Fatalf("BeginTransfer: %v", err)
	}

	if len(f.control.redirects) != 1 || f.control.redirects[0].CallSID != "CA1" {
		t.Fatalf("redirects = %+v", f.control.redirects)
	}
	callerTwiML := f.control.redirects[0].TwiML
	if !strings.Contains(callerTwiML, `name="role" value="caller"`) {
		t.Errorf("caller twiml = %s", callerTwiML)
	}
	if !strings.Contains(callerTwiML, "wss://agent.example.com/media-stream") {
		t.Errorf("caller twiml missing stream url: %s", callerTwiML)
	}
	if !strings.Contains(callerTwiML, "<Conference") {
		t.Errorf("caller twiml missing conference: %s", callerTwiML)
	}

	if len(f.control.placed) != 1 {
		t.Fatalf("placed = %+v", f.control.placed)
	}
	owner := f.control.placed[0]
	if owner.To != "+15550001111" || owner.From != "+15550002222" {
		t.Errorf("owner dial = %+v", owner)
	}
	if !strings.Contains(owner.TwiML, `name="role" value="owner"`) {
		t.Errorf("owner twiml = %s", owner.TwiML)
	}

	// The pending bridge carries the prior conversation.
	confID := extractConferenceID(t, callerTwiML)
	conv := f.coord.Conversation(confID)
	if conv == nil || conv.Len() != 1 {
		t.Fatalf("seeded conversation missing for %q", confID)
	}
}

func TestCoordinator_BeginTransferFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	adapter := telmock.New("S1")
	if _, _, err := f.registry.HandleStart(context.Background(),
		call.StartInfo{StreamSID: "S1", CallSID: "CA1"}, adapter); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}

	if err := f.coord.BeginTransfer(context.Background(), "S9", "x"); err == nil {
		t.Error("unknown stream accepted")
	}

	f.control.redirectErr = errors.New("carrier rejected")
	if err := f.coord.BeginTransfer(context.Background(), "S1", "x"); err == nil {
		t.Error("redirect failure not propagated")
	}
}

func TestCoordinator_LeaveReturnsPeerToSolo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.pair(t)

	if !f.caller.InConference() || !f.owner.InConference() {
		t.Fatal("pairing did not attach the coordinator")
	}

	f.coord.Leave("S2")

	if f.caller.InConference() {
		t.Error("caller still in conference after peer left")
	}
	if f.owner.InConference() {
		t.Error("leaving session still attached")
	}

	// Routing is dead after teardown.
	f.coord.RouteRawAudio("S1", []byte{0x01})
	if f.adapter2.MediaCount() != 0 {
		t.Error("audio still routed after teardown")
	}
}

func TestCoordinator_EndDetachesBoth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.pair(t)

	f.coord.End("conf-x")

	if f.caller.InConference() || f.owner.InConference() {
		t.Error("participants still attached after conference end")
	}
	if f.coord.Conversation("conf-x") != nil {
		t.Error("bridge still registered")
	}
}

func extractConferenceID(t *testing.T, twiml string) string {
	t.Helper()
	start := strings.Index(twiml, `name="conferenceId" value="`)
	if start < 0 {
		t.Fatalf("no conferenceId in twiml: %s", twiml)
	}
	rest := twiml[start+len(`name="conferenceId" value="`):]
	end := strings.Index(rest, `"`)
	return rest[:end]
}
