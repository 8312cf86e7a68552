package call

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
)

// EventKind tags a driver event.
type EventKind int

const (
	// EventStart marks the generation stream opening.
	EventStart EventKind = iota

	// EventTextStart marks the beginning of a spoken text segment.
	EventTextStart

	// EventTextDelta carries a text chunk to route to the conversation and TTS.
	EventTextDelta

	// EventTextEnd marks the end of a spoken text segment.
	EventTextEnd

	// EventReasoning carries model reasoning. Logged only, never spoken.
	EventReasoning

	// EventToolCall announces a tool invocation requested by the model.
	EventToolCall

	// EventToolResult carries a successful tool execution result.
	EventToolResult

	// EventToolError carries a failed tool execution.
	EventToolError

	// EventFinish marks a normal end of generation.
	EventFinish

	// EventError marks a faulted end of generation.
	EventError

	// EventAbort marks a cancelled generation.
	EventAbort
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventTextStart:
		return "text-start"
	case EventTextDelta:
		return "text-delta"
	case EventTextEnd:
		return "text-end"
	case EventReasoning:
		return "reasoning"
	case EventToolCall:
		return "tool-call"
	case EventToolResult:
		return "tool-result"
	case EventToolError:
		return "tool-error"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is one element of the typed generation stream produced by the
// Driver. Only the fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	ID       string
	Text     string
	ToolCall *llm.ToolCall
	Payload  string
	Reason   string
	Err      error
}

// ToolExecutor runs tool invocations requested by the model. Execute
// returns the serialized result payload handed back to the model.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall) (string, error)
}

// maxToolRounds bounds how many consecutive tool rounds one generation may
// run before it is cut off.
const maxToolRounds = 5

// Driver turns a conversation snapshot into a typed event stream. It owns
// the round loop: when the model requests tools, the driver executes them,
// feeds the results back, and continues until the model produces a plain
// finish, the round bound is hit, or the context is cancelled.
//
// The driver is cancellable at every suspension point; on cancellation it
// stops iterating and surfaces a single abort event.
type Driver struct {
	provider     llm.Provider
	tools        ToolExecutor
	systemPrompt string
	log          *slog.Logger
	metrics      *observe.Metrics
}

// NewDriver creates a Driver. tools may be nil for tool-less generations;
// metrics defaults to [observe.DefaultMetrics] when nil.
func NewDriver(provider llm.Provider, tools ToolExecutor, systemPrompt string, log *slog.Logger, metrics *observe.Metrics) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Driver{
		provider:     provider,
		tools:        tools,
		systemPrompt: systemPrompt,
		log:          log,
		metrics:      metrics,
	}
}

// Generate starts a generation over the given message snapshot and returns
// its event stream. The channel is closed after a terminal event (finish,
// error, or abort).
func (d *Driver) Generate(ctx context.Context, messages []llm.Message) <-chan Event {
	events := make(chan Event, 32)
	go d.run(ctx, messages, events)
	return events
}

func (d *Driver) run(ctx context.Context, messages []llm.Message, events chan<- Event) {
	defer close(events)

	emit := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Kind: EventStart}) {
		events <- Event{Kind: EventAbort}
		return
	}

	var defs []llm.ToolDefinition
	if d.tools != nil {
		defs = d.tools.Definitions()
	}

	msgs := append([]llm.Message(nil), messages...)
	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:     msgs,
			Tools:        defs,
			SystemPrompt: d.systemPrompt,
		}
		stream, err := d.provider.StreamCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				events <- Event{Kind: EventAbort}
				return
			}
			emit(Event{Kind: EventError, Err: fmt.Errorf("call: open stream: %w", err)})
			return
		}

		segmentID := "seg-" + strconv.Itoa(round)
		var (
			text         string
			textStarted  bool
			finishReason string
			toolCalls    []llm.ToolCall
		)

	consume:
		for {
			select {
			case <-ctx.Done():
				events <- Event{Kind: EventAbort}
				return
			case chunk, ok := <-stream:
				if !ok {
					break consume
				}
				if chunk.Reasoning != "" {
					if !emit(Event{Kind: EventReasoning, ID: segmentID, Text: chunk.Reasoning}) {
						events <- Event{Kind: EventAbort}
						return
					}
				}
				if chunk.Text != "" {
					if !textStarted {
						textStarted = true
						if !emit(Event{Kind: EventTextStart, ID: segmentID}) {
							events <- Event{Kind: EventAbort}
							return
						}
					}
					text += chunk.Text
					if !emit(Event{Kind: EventTextDelta, ID: segmentID, Text: chunk.Text}) {
						events <- Event{Kind: EventAbort}
						return
					}
				}
				if chunk.FinishReason != "" {
					finishReason = chunk.FinishReason
					toolCalls = chunk.ToolCalls
				}
			}
		}

		// The stream may have closed because the context was cancelled; the
		// select above does not guarantee which branch fires first.
		if ctx.Err() != nil {
			events <- Event{Kind: EventAbort}
			return
		}

		if textStarted {
			if !emit(Event{Kind: EventTextEnd, ID: segmentID}) {
				events <- Event{Kind: EventAbort}
				return
			}
		}
		if finishReason == "error" {
			emit(Event{Kind: EventError, Err: fmt.Errorf("call: generation stream faulted")})
			return
		}
		if len(toolCalls) == 0 {
			if finishReason == "" {
				finishReason = "stop"
			}
			emit(Event{Kind: EventFinish, Reason: finishReason})
			return
		}

		// Tool round: execute every requested call, then continue with the
		// results appended.
		assistant := llm.Message{Role: "assistant", Content: text, ToolCalls: toolCalls}
		msgs = append(msgs, assistant)
		for i := range toolCalls {
			tc := toolCalls[i]
			if !emit(Event{Kind: EventToolCall, ID: tc.ID, ToolCall: &tc}) {
				events <- Event{Kind: EventAbort}
				return
			}
			start := time.Now()
			payload, err := d.executeTool(ctx, tc)
			d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(observe.Attr("tool", tc.Name)))
			if err != nil {
				if ctx.Err() != nil {
					events <- Event{Kind: EventAbort}
					return
				}
				d.metrics.RecordToolCall(ctx, tc.Name, "error")
				d.log.Warn("tool execution failed", "tool", tc.Name, "error", err)
				payload = fmt.Sprintf("error: %v", err)
				if !emit(Event{Kind: EventToolError, ID: tc.ID, Payload: payload, Err: err}) {
					events <- Event{Kind: EventAbort}
					return
				}
			} else {
				d.metrics.RecordToolCall(ctx, tc.Name, "ok")
				if !emit(Event{Kind: EventToolResult, ID: tc.ID, Payload: payload}) {
					events <- Event{Kind: EventAbort}
					return
				}
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: payload, ToolCallID: tc.ID})
		}
	}

	emit(Event{Kind: EventFinish, Reason: "tool-round-limit"})
}

func (d *Driver) executeTool(ctx context.Context, tc llm.ToolCall) (string, error) {
	if d.tools == nil {
		return "", fmt.Errorf("call: no tools registered")
	}
	return d.tools.Execute(ctx, tc)
}
