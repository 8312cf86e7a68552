package call

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
	llmmock "github.com/attenda-ai/attenda/pkg/provider/llm/mock"
)

// collect drains the event stream with a deadline so a broken driver cannot
// hang the test.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not terminate; got %d events", len(out))
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

type scriptedTools struct {
	results map[string]string
	err     error
	calls   []llm.ToolCall
}

func (s *scriptedTools) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "getCalendarAvailability"}}
}

func (s *scriptedTools) Execute(_ context.Context, tc llm.ToolCall) (string, error) {
	s.calls = append(s.calls, tc)
	if s.err != nil {
		return "", s.err
	}
	return s.results[tc.Name], nil
}

func TestDriver_PlainText(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello"},
			{Text: " there"},
			{FinishReason: "stop"},
		},
	}
	d := NewDriver(provider, nil, "be brief", nil, nil)

	events := collect(t, d.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}))

	want := []EventKind{EventStart, EventTextStart, EventTextDelta, EventTextDelta, EventTextEnd, EventFinish}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if events[2].Text != "Hello" || events[3].Text != " there" {
		t.Errorf("deltas = %q, %q", events[2].Text, events[3].Text)
	}
	if events[5].Reason != "stop" {
		t.Errorf("finish reason = %q", events[5].Reason)
	}
	if provider.StreamCalls[0].Req.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", provider.StreamCalls[0].Req.SystemPrompt)
	}
}

func TestDriver_ToolRound(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
					{ID: "tc-1", Name: "getCalendarAvailability", Arguments: `{}`},
				}},
			},
			{
				{Text: "You are free at nine."},
				{FinishReason: "stop"},
			},
		},
	}
	tools := &scriptedTools{results: map[string]string{"getCalendarAvailability": `{"slots":[]}`}}
	d := NewDriver(provider, tools, "", nil, nil)

	events := collect(t, d.Generate(context.Background(), nil))

	want := []EventKind{EventStart, EventToolCall, EventToolResult, EventTextStart, EventTextDelta, EventTextEnd, EventFinish}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if len(tools.calls) != 1 || tools.calls[0].ID != "tc-1" {
		t.Errorf("tool calls = %+v", tools.calls)
	}

	// The second round must carry the assistant tool-call message and the
	// tool result.
	second := provider.StreamCalls[1].Req.Messages
	if len(second) != 2 {
		t.Fatalf("second round messages = %d, want 2", len(second))
	}
	if second[0].Role != "assistant" || len(second[0].ToolCalls) != 1 {
		t.Errorf("second[0] = %+v", second[0])
	}
	if second[1].Role != "tool" || second[1].ToolCallID != "tc-1" {
		t.Errorf("second[1] = %+v", second[1])
	}
}

func TestDriver_ToolError(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
					{ID: "tc-1", Name: "getCalendarAvailability", Arguments: `{}`},
				}},
			},
			{
				{Text: "Sorry, I could not reach the calendar."},
				{FinishReason: "stop"},
			},
		},
	}
	tools := &scriptedTools{err: errors.New("calendar down")}
	d := NewDriver(provider, tools, "", nil, nil)

	events := collect(t, d.Generate(context.Background(), nil))

	var sawToolError, sawFinish bool
	for _, ev := range events {
		switch ev.Kind {
		case EventToolError:
			sawToolError = true
		case EventFinish:
			sawFinish = true
		case EventError:
			t.Fatal("tool failure must not fault the generation")
		}
	}
	if !sawToolError || !sawFinish {
		t.Errorf("events = %v", kinds(events))
	}
}

func TestDriver_StreamFault(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial"},
			{FinishReason: "error"},
		},
	}
	d := NewDriver(provider, nil, "", nil, nil)

	events := collect(t, d.Generate(context.Background(), nil))
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Errorf("last event = %s, want error", last.Kind)
	}
}

func TestDriver_OpenError(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamErr: errors.New("no backend")}
	d := NewDriver(provider, nil, "", nil, nil)

	events := collect(t, d.Generate(context.Background(), nil))
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Errorf("last event = %s, want error", last.Kind)
	}
}

func TestDriver_Abort(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "never delivered"}},
		Hold:         hold,
	}
	d := NewDriver(provider, nil, "", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := d.Generate(ctx, nil)

	// Consume the start event, then cancel mid-stream. The hold channel is
	// never released, so cancellation is the only way out.
	first := <-events
	if first.Kind != EventStart {
		t.Fatalf("first event = %s", first.Kind)
	}
	cancel()
	t.Cleanup(func() { close(hold) })

	rest := collect(t, events)
	last := rest[len(rest)-1]
	if last.Kind != EventAbort {
		t.Errorf("last event = %s, want abort", last.Kind)
	}
}

func TestDriver_ToolMetricsUseInjectedInstance(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	provider := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
					{ID: "tc-1", Name: "getCalendarAvailability", Arguments: `{}`},
				}},
			},
			{
				{Text: "Nine works."},
				{FinishReason: "stop"},
			},
		},
	}
	tools := &scriptedTools{results: map[string]string{"getCalendarAvailability": "{}"}}
	d := NewDriver(provider, tools, "", nil, metrics)

	collect(t, d.Generate(context.Background(), nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var sawCalls, sawDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "attenda.tool.calls":
				sawCalls = true
			case "attenda.tool_execution.duration":
				sawDuration = true
			}
		}
	}
	if !sawCalls || !sawDuration {
		t.Errorf("injected metrics missed the tool round: calls=%v duration=%v", sawCalls, sawDuration)
	}
}

func TestDriver_ToolRoundLimit(t *testing.T) {
	t.Parallel()

	// Every round requests another tool call; the driver must cut off.
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
				{ID: "tc", Name: "getCalendarAvailability", Arguments: `{}`},
			}},
		},
	}
	tools := &scriptedTools{results: map[string]string{"getCalendarAvailability": "{}"}}
	d := NewDriver(provider, tools, "", nil, nil)

	events := collect(t, d.Generate(context.Background(), nil))
	last := events[len(events)-1]
	if last.Kind != EventFinish || last.Reason != "tool-round-limit" {
		t.Errorf("last = %+v", last)
	}
	if provider.StreamCallCount() != maxToolRounds {
		t.Errorf("rounds = %d, want %d", provider.StreamCallCount(), maxToolRounds)
	}
}
