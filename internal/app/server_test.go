package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/attenda-ai/attenda/internal/call"
	calmock "github.com/attenda-ai/attenda/internal/calendar/mock"
	"github.com/attenda-ai/attenda/internal/health"
	"github.com/attenda-ai/attenda/internal/observe"
	llmmock "github.com/attenda-ai/attenda/pkg/provider/llm/mock"
	sttmock "github.com/attenda-ai/attenda/pkg/provider/stt/mock"
	ttsmock "github.com/attenda-ai/attenda/pkg/provider/tts/mock"
	"github.com/attenda-ai/attenda/pkg/telephony"
)

// waitFor polls cond until it holds or the deadline passes.
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

type testEnv struct {
	server   *Server
	ts       *httptest.Server
	registry *call.Registry
	tts      *ttsmock.Provider
}

func newTestEnv(t *testing.T, greeting string) *testEnv {
	t.Helper()

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	env := &testEnv{
		tts: &ttsmock.Provider{AutoAudio: [][]byte{{0x01}, {0x02}}},
	}
	env.registry = call.NewRegistry(call.Deps{
		STT:      &sttmock.Provider{},
		TTS:      env.tts,
		LLM:      &llmmock.Provider{},
		Calendar: &calmock.Service{},
	}, call.Config{SystemPrompt: "You handle appointment calls.", VoiceID: "voice-1"}, nil)
	t.Cleanup(env.registry.Close)

	env.server = NewServer(Config{
		ListenAddr:    ":0",
		PublicBaseURL: "https://agent.example.com",
		Greeting:      greeting,
	}, Deps{
		Registry: env.registry,
		Health:   health.New(),
		Metrics:  metrics,
	}, nil)

	env.ts = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

// dial opens a media-stream WebSocket against the test server.
func (e *testEnv) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f telephony.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func startFrame(streamSID, callSID string, params map[string]string) telephony.Frame {
	return telephony.Frame{
		Event:     telephony.EventStart,
		StreamSID: streamSID,
		Start: &telephony.StartPayload{
			CallSID:          callSID,
			StreamSID:        streamSID,
			MediaFormat:      telephony.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
			CustomParameters: params,
		},
	}
}

func TestInboundTwiML(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	form := url.Values{"From": {"+15550001234"}, "To": {"+15550009999"}, "CallSid": {"CA7"}}
	resp, err := http.PostForm(env.ts.URL+"/voice/inbound", form)
	if err != nil {
		t.Fatalf("post inbound: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	twiml := string(raw)
	if !strings.Contains(twiml, `url="wss://agent.example.com/media-stream"`) {
		t.Errorf("twiml missing media stream URL:\n%s", twiml)
	}
	if !strings.Contains(twiml, `name="from" value="+15550001234"`) {
		t.Errorf("twiml missing from parameter:\n%s", twiml)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestConferenceStatus_WithoutCoordinator(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	form := url.Values{
		"StatusCallbackEvent": {"conference-end"},
		"FriendlyName":        {"conf-1"},
	}
	resp, err := http.PostForm(env.ts.URL+"/conference/status", form)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestMediaStream_SessionLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "Hi, this is Jordan.")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	sendFrame(t, ctx, conn, telephony.Frame{Event: telephony.EventConnected})
	sendFrame(t, ctx, conn, startFrame("MZ9", "CA9", map[string]string{"from": "+15550001234"}))

	waitFor(t, "session creation", func() bool { return env.registry.Has("MZ9") })

	// The greeting is synthesized immediately and lands as media frames.
	var sawMedia bool
	for !sawMedia {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read greeting: %v", err)
		}
		f, err := telephony.ParseFrame(data)
		if err != nil {
			t.Fatalf("parse greeting frame: %v", err)
		}
		if f.Event == telephony.EventMedia {
			if f.StreamSID != "MZ9" {
				t.Errorf("media stream sid = %q, want MZ9", f.StreamSID)
			}
			sawMedia = true
		}
	}

	sendFrame(t, ctx, conn, telephony.Frame{
		Event: telephony.EventStop,
		Stop:  &telephony.StopPayload{CallSID: "CA9"},
	})
	waitFor(t, "session teardown", func() bool { return !env.registry.Has("MZ9") })
}

func TestMediaStream_DropWithoutStopKeepsSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	sendFrame(t, ctx, conn, startFrame("MZ10", "CA10", nil))
	waitFor(t, "session creation", func() bool { return env.registry.Has("MZ10") })

	// A bare connection drop must leave the session alive for reconnect.
	conn.Close(websocket.StatusGoingAway, "network blip")
	time.Sleep(50 * time.Millisecond)
	if !env.registry.Has("MZ10") {
		t.Fatal("session should survive a connection drop without stop")
	}

	// Reconnect with the same stream sid swaps adapters in place.
	conn2 := env.dial(t, ctx)
	defer conn2.Close(websocket.StatusNormalClosure, "test done")
	sendFrame(t, ctx, conn2, startFrame("MZ10", "CA10", nil))

	waitFor(t, "adapter swap", func() bool { return env.registry.Len() == 1 && env.registry.Has("MZ10") })

	sendFrame(t, ctx, conn2, telephony.Frame{
		Event: telephony.EventStop,
		Stop:  &telephony.StopPayload{CallSID: "CA10"},
	})
	waitFor(t, "session teardown", func() bool { return !env.registry.Has("MZ10") })
}
