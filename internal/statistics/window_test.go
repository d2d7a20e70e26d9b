package statistics

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestWindowEmptyDefaults(t *testing.T) {
	w := NewWindow(5)
	if w.Len() != 0 || w.IsReady() {
		t.Fatalf("new window should be empty and not ready")
	}
	if w.Mean() != 0 || w.Stddev(0) != 0 {
		t.Fatalf("mean/stddev of empty window must be 0")
	}
	if _, ok := w.Last(); ok {
		t.Fatalf("Last() on empty window must report ok=false")
	}
}

func TestWindowPushAndEvict(t *testing.T) {
	w := NewWindow(3)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	if !w.IsReady() || w.Len() != 3 {
		t.Fatalf("expected ready window of len 3")
	}
	w.Push(4)
	if w.Len() != 3 {
		t.Fatalf("len must stay capped at capacity, got %d", w.Len())
	}
	got := w.Values()
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("eviction order wrong: got %v want %v", got, want)
		}
	}
}

func TestWindowNotReadyUntilFull(t *testing.T) {
	w := NewWindow(5)
	for i := 0; i < 4; i++ {
		w.Push(float64(i))
		if w.IsReady() {
			t.Fatalf("window must not be ready before capacity is reached")
		}
	}
	w.Push(99)
	if !w.IsReady() {
		t.Fatalf("window must be ready once len == capacity")
	}
}

func TestWindowMeanAndStddevS1(t *testing.T) {
	w := NewWindow(5)
	for _, v := range []float64{0.10, 0.12, 0.08, 0.11, 0.09} {
		w.Push(v)
	}
	mean := w.Mean()
	if !almostEqual(mean, 0.10) {
		t.Fatalf("mean = %v, want 0.10", mean)
	}
	sd := w.Stddev(mean)
	if math.Abs(sd-0.0141421356) > 1e-6 {
		t.Fatalf("stddev = %v, want ~0.0141421356", sd)
	}
}

func TestWindowUniformSamplesZeroStddev(t *testing.T) {
	w := NewWindow(4)
	for i := 0; i < 4; i++ {
		w.Push(1.5)
	}
	if w.Stddev(w.Mean()) != 0 {
		t.Fatalf("uniform samples must yield stddev 0")
	}
}

func TestIndexPushMinuteMonotonic(t *testing.T) {
	ix := NewIndex(3)
	if !ix.PushMinute("BTC", 100, 1.0) {
		t.Fatalf("first push for a minute must succeed")
	}
	if ix.PushMinute("BTC", 100, 2.0) {
		t.Fatalf("duplicate minute must be rejected")
	}
	if ix.PushMinute("BTC", 99, 3.0) {
		t.Fatalf("out-of-order minute must be rejected")
	}
	if !ix.PushMinute("BTC", 101, 4.0) {
		t.Fatalf("strictly advancing minute must succeed")
	}
	if ix.WindowFor("BTC").Len() != 2 {
		t.Fatalf("expected 2 accepted pushes, got %d", ix.WindowFor("BTC").Len())
	}
}

func TestZScoreBelowThresholdIsNotAnError(t *testing.T) {
	_, err := ZScore(0.14, 0.10, 0.01, 0.0141421356)
	be, ok := err.(*ErrBelowThreshold)
	if !ok || be == nil {
		t.Fatalf("expected ErrBelowThreshold sentinel, got %v", err)
	}
}

func TestZScoreAtThresholdIsValid(t *testing.T) {
	z, err := ZScore(0.14, 0.10, 0.0141421356, 0.0141421356)
	if err != nil {
		t.Fatalf("stddev == min_stddev must be accepted, got err %v", err)
	}
	if math.Abs(z-2.828427) > 1e-5 {
		t.Fatalf("z = %v, want ~2.828427", z)
	}
}
