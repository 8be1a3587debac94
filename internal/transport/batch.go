package transport

import (
	"context"
	"sync"
)

// BatchID identifies a batch allocated by AllocateBatchID.
type BatchID string

// State is the aggregate status of a batch.
type State int

const (
	StateInProgress State = iota
	StateCompleted
	StateFailed
	StateTimedOut
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Status is a snapshot of a batch.
type Status struct {
	State     State
	Total     int
	Completed int
	Failed    int
	// Err is the first task failure, or the abort cause.
	Err error
}

// Resolved reports whether the batch has reached a final state.
func (s Status) Resolved() bool {
	return s.State != StateInProgress
}

// batch aggregates the completion of its tasks. Completion is signalled by
// closing done exactly once.
type batch struct {
	id BatchID

	mu        sync.Mutex
	submitted bool
	resolved  []bool
	status    Status
	done      chan struct{}
	closed    bool
	cancel    context.CancelFunc
	handles   []Handle // leased local regions
	bytes     uint64
	onResolve func(b *batch)
}

func newBatch(id BatchID) *batch {
	return &batch{
		id:   id,
		done: make(chan struct{}),
	}
}

func (b *batch) snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *batch) isSubmitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}

// complete records the outcome of task i. Outcomes after the batch resolved,
// or repeated for the same task, are ignored.
func (b *batch) complete(i int, length uint64, err error) {
	b.mu.Lock()
	if b.closed || i < 0 || i >= len(b.resolved) || b.resolved[i] {
		b.mu.Unlock()
		return
	}
	b.resolved[i] = true
	if err != nil {
		b.status.Failed++
		if b.status.Err == nil {
			b.status.Err = err
		}
	} else {
		b.status.Completed++
		b.bytes += length
	}
	if b.status.Completed+b.status.Failed < b.status.Total {
		b.mu.Unlock()
		return
	}
	if b.status.Failed > 0 {
		b.status.State = StateFailed
	} else {
		b.status.State = StateCompleted
	}
	b.finishLocked()
}

// abort resolves an unresolved batch with state and cause. It reports
// whether the batch was still in progress.
func (b *batch) abort(state State, cause error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.status.State = state
	b.status.Err = cause
	b.finishLocked()
	return true
}

// finishLocked closes the batch and releases b.mu before running the
// resolve hook.
func (b *batch) finishLocked() {
	b.closed = true
	close(b.done)
	if b.cancel != nil {
		b.cancel()
	}
	hook := b.onResolve
	b.mu.Unlock()

	if hook != nil {
		hook(b)
	}
}

// ctxFor derives the context backends observe for this batch. It is
// canceled when the batch resolves.
func (b *batch) ctxFor(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		cancel()
	} else {
		b.cancel = cancel
	}
	return ctx
}
