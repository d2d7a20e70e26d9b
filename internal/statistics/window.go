// Package statistics implements the per-symbol rolling window of spread
// samples (C1) plus the z-score helpers C2 consumes.
//
// The window recomputes mean and stddev from scratch on every call rather
// than maintaining running sums. N is on the order of 10^3, so a full
// O(N) scan is cheap and avoids both the numerical drift a Welford/Kahan
// running estimator would eventually accumulate and the bookkeeping a
// subtract-on-evict scheme needs to stay correct across eviction.
package statistics

import "math"

// Window is a fixed-capacity ring of the most recent spread samples for
// one symbol.
type Window struct {
	data     []float64
	capacity int
	head     int // index of the oldest element
	size     int // number of valid elements
}

// NewWindow builds an empty window of the given capacity. capacity must
// be positive.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		data:     make([]float64, capacity),
		capacity: capacity,
	}
}

// Push appends value, evicting the oldest sample if the window is full.
func (w *Window) Push(value float64) {
	if w.size < w.capacity {
		idx := (w.head + w.size) % w.capacity
		w.data[idx] = value
		w.size++
		return
	}
	// full: overwrite the oldest slot and advance head
	w.data[w.head] = value
	w.head = (w.head + 1) % w.capacity
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.size }

// Capacity returns the configured window size N.
func (w *Window) Capacity() int { return w.capacity }

// IsReady reports whether the window holds exactly its capacity worth of
// samples (Len() == Capacity()). Ready is never true for a partially
// filled window, and Len() never exceeds Capacity() by construction.
func (w *Window) IsReady() bool { return w.size >= w.capacity }

// Last returns the most recently pushed value and whether one exists.
func (w *Window) Last() (float64, bool) {
	if w.size == 0 {
		return 0, false
	}
	idx := (w.head + w.size - 1) % w.capacity
	return w.data[idx], true
}

// Values returns a copy of the samples currently held, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(w.head+i)%w.capacity]
	}
	return out
}

// Mean returns the arithmetic mean of the held samples, or 0 if empty.
func (w *Window) Mean() float64 {
	if w.size == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.size; i++ {
		sum += w.data[(w.head+i)%w.capacity]
	}
	return sum / float64(w.size)
}

// Stddev returns the population standard deviation (divide by n, not
// n-1) around the given mean, or 0 if empty.
func (w *Window) Stddev(mean float64) float64 {
	if w.size == 0 {
		return 0
	}
	sumSq := 0.0
	for i := 0; i < w.size; i++ {
		d := w.data[(w.head+i)%w.capacity] - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(w.size))
}

// Index maps each coin symbol to its own rolling Window and tracks the
// last minute a sample was pushed for that symbol, guaranteeing
// one-sample-per-minute pushes and strict monotonic minute ordering.
type Index struct {
	windows          map[string]*Window
	lastMinuteClosed map[string]int64 // unix minute, truncated
	capacity         int
}

// NewIndex builds an Index whose windows all share the given capacity.
func NewIndex(capacity int) *Index {
	return &Index{
		windows:          make(map[string]*Window),
		lastMinuteClosed: make(map[string]int64),
		capacity:         capacity,
	}
}

// WindowFor returns (creating if necessary) the window for coin.
func (ix *Index) WindowFor(coin string) *Window {
	w, ok := ix.windows[coin]
	if !ok {
		w = NewWindow(ix.capacity)
		ix.windows[coin] = w
	}
	return w
}

// PushMinute pushes value onto coin's window iff minuteUnix is strictly
// greater than the last minute pushed for coin. Returns false (no-op) if
// the minute is not monotonically advancing, which also rejects
// out-of-order or duplicate minute-boundary events. Missing minutes are
// simply skipped, never backfilled.
func (ix *Index) PushMinute(coin string, minuteUnix int64, value float64) bool {
	last, ok := ix.lastMinuteClosed[coin]
	if ok && minuteUnix <= last {
		return false
	}
	ix.WindowFor(coin).Push(value)
	ix.lastMinuteClosed[coin] = minuteUnix
	return true
}
