// Package barrier provides a fan-out/join primitive: start n independent
// sub-tasks, get one callback after the n-th completes. The barrier counts
// completions, not successes; each sub-task decides its own outcome.
package barrier

import "sync/atomic"

// Barrier joins n asynchronous completions into one callback.
type Barrier struct {
	remaining atomic.Int64
	done      chan struct{}
	onDone    func()
}

// New creates a barrier that runs onComplete exactly once after n signals.
// With n <= 0 the callback runs immediately, before New returns. onComplete
// may be nil. No goroutine blocks waiting; the n-th Signal caller runs the
// callback inline.
func New(n int, onComplete func()) *Barrier {
	b := &Barrier{done: make(chan struct{}), onDone: onComplete}
	b.remaining.Store(int64(n))
	if n <= 0 {
		b.fire()
	}
	return b
}

// Signal records one sub-task completion. Safe to call concurrently.
// Signals beyond the n-th are ignored.
func (b *Barrier) Signal() {
	if b.remaining.Add(-1) == 0 {
		b.fire()
	}
}

// Done is closed once the barrier has fired. Useful for callers that need to
// wait for full settlement, such as tests.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

func (b *Barrier) fire() {
	if b.onDone != nil {
		b.onDone()
	}
	close(b.done)
}
