package turn

import (
	"testing"
	"time"
)

func TestHintDebouncer_DedupesIdenticalHints(t *testing.T) {
	var d HintDebouncer
	now := time.Unix(1000, 0)
	h := Hint{Speaking: true, Confidence: 0.8, Hold: 200 * time.Millisecond}

	if !d.ShouldEmit(h, now) {
		t.Fatal("first hint must pass")
	}
	if d.ShouldEmit(h, now.Add(100*time.Millisecond)) {
		t.Fatal("identical hint inside the refresh interval passed")
	}
	if !d.ShouldEmit(h, now.Add(hintRefresh)) {
		t.Fatal("hint after the refresh interval must pass")
	}
}

func TestHintDebouncer_PassesChanges(t *testing.T) {
	var d HintDebouncer
	now := time.Unix(1000, 0)
	h := Hint{Speaking: true, Confidence: 0.8, Hold: 200 * time.Millisecond}
	if !d.ShouldEmit(h, now) {
		t.Fatal("first hint must pass")
	}

	h.Speaking = false
	if !d.ShouldEmit(h, now.Add(time.Millisecond)) {
		t.Fatal("speaking flip must pass")
	}
	h.Hold = 500 * time.Millisecond
	if !d.ShouldEmit(h, now.Add(2*time.Millisecond)) {
		t.Fatal("hold bucket change must pass")
	}
	h.Confidence = 0.3
	if !d.ShouldEmit(h, now.Add(3*time.Millisecond)) {
		t.Fatal("confidence bucket change must pass")
	}
}

func TestHintDebouncer_Reset(t *testing.T) {
	var d HintDebouncer
	now := time.Unix(1000, 0)
	h := Hint{Speaking: true, Confidence: 0.5, Hold: 200 * time.Millisecond}
	_ = d.ShouldEmit(h, now)
	d.Reset()
	if !d.ShouldEmit(h, now.Add(time.Millisecond)) {
		t.Fatal("hint after Reset must pass")
	}
}

func TestHint_Clamp(t *testing.T) {
	h := Hint{Hold: time.Millisecond, Confidence: 1.5}.Clamp()
	if h.Hold != hintHoldMin {
		t.Errorf("hold = %v, want clamped to %v", h.Hold, hintHoldMin)
	}
	if h.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", h.Confidence)
	}
	h = Hint{Hold: 2 * time.Second, Confidence: -0.5}.Clamp()
	if h.Hold != hintHoldMax {
		t.Errorf("hold = %v, want clamped to %v", h.Hold, hintHoldMax)
	}
	if h.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", h.Confidence)
	}
}
