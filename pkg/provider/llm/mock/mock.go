// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the call runtime sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hello!", FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/attenda-ai/attenda/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion. All chunks are sent before the channel
	// is closed.
	StreamChunks []llm.Chunk

	// StreamScript, when non-nil, overrides StreamChunks: the n-th call to
	// StreamCompletion replays StreamScript[n] (the last entry repeats for
	// later calls). Useful for multi-round tool-call tests.
	StreamScript [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// Hold, when non-nil, makes the streaming goroutine wait for the channel
	// to be closed before emitting any chunk. Tests use it to keep a
	// generation in flight while they trigger an interruption.
	Hold chan struct{}

	// HoldAfter, when non-nil, keeps the stream open after all chunks have
	// been emitted until the channel is closed or ctx is cancelled. Tests
	// use it to interrupt a generation that has already produced text.
	HoldAfter chan struct{}

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and returns a channel that emits the
// configured chunks. If StreamErr is set, it returns nil, StreamErr without
// opening a channel. Emission respects ctx cancellation between chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	src := p.StreamChunks
	if len(p.StreamScript) > 0 {
		if call >= len(p.StreamScript) {
			call = len(p.StreamScript) - 1
		}
		src = p.StreamScript[call]
	}
	chunks := make([]llm.Chunk, len(src))
	copy(chunks, src)
	hold := p.Hold
	holdAfter := p.HoldAfter
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if holdAfter != nil {
			select {
			case <-holdAfter:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// SetHoldAfter replaces HoldAfter for subsequent StreamCompletion calls.
// Streams already in flight keep the channel they captured.
func (p *Provider) SetHoldAfter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HoldAfter = ch
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	return p.CompleteResponse, nil
}

// StreamCallCount returns the number of StreamCompletion invocations so far.
// Safe to call while the provider is in use.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// CompleteCallCount returns the number of Complete invocations so far.
// Safe to call while the provider is in use.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}
