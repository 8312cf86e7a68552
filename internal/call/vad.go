package call

import (
	"sync"
	"time"

	"github.com/attenda-ai/attenda/pkg/audio"
)

// activityDeviation is the minimum byte deviation from μ-law silence for a
// sample to count as active.
const activityDeviation = 3

// activityRatio is the fraction of active samples above which a frame
// counts as speech.
const activityRatio = 0.05

// activityDebounce is the minimum gap between positive detections.
const activityDebounce = 100 * time.Millisecond

// ActivityDetector flags caller speech from raw audio energy. It backs the
// secondary barge-in path; the authoritative path is a transcript arriving
// while the agent is speaking.
//
// ActivityDetector is safe for concurrent use.
type ActivityDetector struct {
	now func() time.Time

	mu           sync.Mutex
	lastPositive time.Time
	detections   int
}

// NewActivityDetector creates a detector with no prior detections.
func NewActivityDetector() *ActivityDetector {
	return &ActivityDetector{now: time.Now}
}

// FrameActive reports whether the μ-law frame carries speech-level energy.
// It is pure: no detector state is touched.
func FrameActive(frame []byte) bool {
	return audio.ActiveRatio(frame, activityDeviation) > activityRatio
}

// ShouldInterrupt reports whether the frame is active and at least 100 ms
// have elapsed since the last positive detection.
func (d *ActivityDetector) ShouldInterrupt(frame []byte) bool {
	if !FrameActive(frame) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.now().Sub(d.lastPositive) < activityDebounce {
		return false
	}
	d.lastPositive = d.now()
	d.detections++
	return true
}

// Detections returns the total number of positive detections.
func (d *ActivityDetector) Detections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detections
}
