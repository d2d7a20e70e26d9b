package monitor

import (
	"sync/atomic"

	"github.com/arbpair/zengine/internal/metrics"
)

// tickQueue is a bounded, drop-oldest buffer for incoming ticks (spec
// §5's back-pressure channel: default capacity 10000, oldest dropped on
// overflow, drops counted, never blocks the producer).
type tickQueue struct {
	ch      chan Tick
	dropped int64
	coin    string
}

func newTickQueue(capacity int, coin string) *tickQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &tickQueue{ch: make(chan Tick, capacity), coin: coin}
}

// Push enqueues t, dropping the oldest queued tick if the buffer is
// full rather than blocking the caller.
func (q *tickQueue) Push(t Tick) {
	for {
		select {
		case q.ch <- t:
			return
		default:
		}
		select {
		case <-q.ch:
			atomic.AddInt64(&q.dropped, 1)
			metrics.TicksDropped.WithLabelValues(q.coin).Inc()
		default:
		}
	}
}

// Dropped returns the number of ticks dropped for overflow so far.
func (q *tickQueue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}
