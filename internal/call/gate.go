package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/attenda-ai/attenda/pkg/telephony"
)

// clearDebounce is the minimum gap between downstream buffer clears.
const clearDebounce = 50 * time.Millisecond

// clearRepeat is how many clear frames are sent per clear request. The
// carrier occasionally drops a clear under load, so it is repeated.
const clearRepeat = 3

// Gate is the one-bit valve on outbound synthesized audio. Frames pass
// through Send only while the gate is enabled; ClearDownstream discards
// audio the carrier has buffered but not yet played.
//
// Gate decisions are synchronous and local. Gate is safe for concurrent
// use: the TTS audio pump calls Send while the session loop toggles it.
type Gate struct {
	log     *slog.Logger
	adapter func() telephony.Adapter
	now     func() time.Time

	mu        sync.Mutex
	enabled   bool
	lastClear time.Time
}

// NewGate creates a disabled gate. adapter resolves the current uplink
// transport on each use, so it stays correct across reconnect swaps.
func NewGate(log *slog.Logger, adapter func() telephony.Adapter) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{log: log, adapter: adapter, now: time.Now}
}

// Enable opens the gate.
func (g *Gate) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
}

// Disable closes the gate. Frames sent afterwards are dropped.
func (g *Gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
}

// IsEnabled reports whether the gate is open.
func (g *Gate) IsEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Send forwards one synthesized frame to the caller. It returns false when
// the frame was dropped because the gate is closed or no transport is
// attached.
func (g *Gate) Send(frame []byte) bool {
	g.mu.Lock()
	enabled := g.enabled
	g.mu.Unlock()
	if !enabled {
		return false
	}
	a := g.adapter()
	if a == nil {
		return false
	}
	if err := a.SendAudio(frame); err != nil {
		g.log.Warn("outbound audio frame dropped", "error", err)
		return false
	}
	return true
}

// ClearDownstream discards all buffered, unplayed audio on the carrier
// side. It is idempotent within the 50 ms debounce window and repeats the
// clear frame for reliability.
func (g *Gate) ClearDownstream() {
	g.mu.Lock()
	if g.now().Sub(g.lastClear) < clearDebounce {
		g.mu.Unlock()
		return
	}
	g.lastClear = g.now()
	g.mu.Unlock()

	a := g.adapter()
	if a == nil {
		return
	}
	for i := 0; i < clearRepeat; i++ {
		if err := a.SendClear(); err != nil {
			g.log.Warn("clear frame failed", "error", err)
			return
		}
	}
}

// StopImmediately closes the gate and clears downstream audio in one step.
// This is the barge-in primitive: after it returns, no queued audio will
// reach the caller.
func (g *Gate) StopImmediately() {
	g.Disable()
	g.ClearDownstream()
}
