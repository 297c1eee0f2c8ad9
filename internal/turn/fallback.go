package turn

import (
	"sync"
	"time"
)

// Hint is one client-side voice-activity guess produced by the fallback
// adapter while server VAD is degraded.
type Hint struct {
	// Speaking reports whether the client heuristics believe the user is
	// talking.
	Speaking bool

	// Confidence in [0, 1].
	Confidence float64

	// Hold is how long the adapter wants the engine to wait before acting
	// on a stop guess.
	Hold time.Duration
}

// Bounds for hint holds and the dedupe refresh interval.
const (
	hintHoldMin     = 40 * time.Millisecond
	hintHoldMax     = 900 * time.Millisecond
	hintRefresh     = 1200 * time.Millisecond
	holdBucketWidth = 80 * time.Millisecond
	confBucketWidth = 0.1
)

// HintDebouncer suppresses duplicate client hints so the engine only sees
// meaningful changes. A hint passes when its speaking flag, hold bucket, or
// confidence bucket differs from the last emitted hint, or when the refresh
// interval has elapsed.
type HintDebouncer struct {
	mu         sync.Mutex
	hasValue   bool
	speaking   bool
	holdBucket int
	confBucket int
	lastSentAt time.Time
}

// Clamp pulls the hint's hold into the supported range.
func (h Hint) Clamp() Hint {
	if h.Hold < hintHoldMin {
		h.Hold = hintHoldMin
	}
	if h.Hold > hintHoldMax {
		h.Hold = hintHoldMax
	}
	if h.Confidence < 0 {
		h.Confidence = 0
	}
	if h.Confidence > 1 {
		h.Confidence = 1
	}
	return h
}

// ShouldEmit reports whether the hint is distinct enough to forward, and
// records it when so.
func (d *HintDebouncer) ShouldEmit(h Hint, now time.Time) bool {
	h = h.Clamp()
	holdBucket := int(h.Hold / holdBucketWidth)
	confBucket := int(h.Confidence / confBucketWidth)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasValue ||
		h.Speaking != d.speaking ||
		holdBucket != d.holdBucket ||
		confBucket != d.confBucket ||
		now.Sub(d.lastSentAt) >= hintRefresh {
		d.hasValue = true
		d.speaking = h.Speaking
		d.holdBucket = holdBucket
		d.confBucket = confBucket
		d.lastSentAt = now
		return true
	}
	return false
}

// Reset forgets the last emitted hint, so the next one always passes.
func (d *HintDebouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasValue = false
}
