// Package relay hands values from a producer to a listener that attaches
// and detaches over time, buffering at most one undelivered value.
package relay

import (
	"sync"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// Listener receives relayed values. A non-nil error means the value was not
// delivered: the listener is detached and the value goes back to the slot.
//
// Listeners run with the relay's delivery lock held and must not call
// Publish or Attach synchronously. Detach is safe.
type Listener[T any] func(v T) error

// Stats is a snapshot of relay counters
type Stats struct {
	Attached  bool   `json:"attached"`
	Pending   bool   `json:"pending"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"` // pending values overwritten before anyone attached
}

// Relay is a single-slot mailbox in front of an optional listener.
//
// Publish with a listener attached delivers directly. Without one the value
// is stored in the slot, overwriting (and counting as dropped) whatever was
// there. Attach flushes the slot before any later Publish reaches the new
// listener, so delivery order always matches publish order.
type Relay[T any] struct {
	deliverMu sync.Mutex // serializes deliveries, held across listener calls

	mu         sync.Mutex // protects everything below
	listener   Listener[T]
	attachGen  uint64
	pending    T
	hasPending bool
	published  uint64
	delivered  uint64
	dropped    uint64
}

// New creates an empty relay with no listener attached
func New[T any]() *Relay[T] {
	return &Relay[T]{}
}

// Publish delivers v to the attached listener, or parks it in the slot
func (r *Relay[T]) Publish(v T) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	r.published++
	l, gen := r.listener, r.attachGen
	if l == nil {
		r.storeLocked(v)
		r.mu.Unlock()
		logger.WithComponent("relay").Debug().Msg("No listener attached, value held in pending slot")
		return
	}
	r.mu.Unlock()

	r.deliver(l, gen, v)
}

// Attach makes l the listener. A pending value is delivered to l first and
// the slot is cleared. Attaching replaces any previous listener.
//
// The returned func detaches l, and does nothing once l has been replaced.
func (r *Relay[T]) Attach(l Listener[T]) (detach func()) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	r.listener = l
	r.attachGen++
	gen := r.attachGen
	v, ok := r.pending, r.hasPending
	var zero T
	r.pending, r.hasPending = zero, false
	r.mu.Unlock()

	logger.WithComponent("relay").Debug().Bool("flush", ok).Msg("Listener attached")

	if ok {
		r.deliver(l, gen, v)
	}
	return func() { r.detachGen(gen) }
}

// Detach removes the listener. Nothing is discarded or replayed; later
// publishes go to the pending slot.
func (r *Relay[T]) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = nil
	r.attachGen++
}

func (r *Relay[T]) detachGen(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachGen == gen {
		r.listener = nil
		r.attachGen++
	}
}

// Stats returns the current counters
func (r *Relay[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Attached:  r.listener != nil,
		Pending:   r.hasPending,
		Published: r.published,
		Delivered: r.delivered,
		Dropped:   r.dropped,
	}
}

// deliver runs with deliverMu held
func (r *Relay[T]) deliver(l Listener[T], gen uint64, v T) {
	err := l(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.delivered++
		return
	}

	logger.WithComponent("relay").Warn().Err(err).Msg("Listener failed, detaching and keeping value pending")

	if r.attachGen == gen {
		r.listener = nil
		r.attachGen++
	}
	// A value parked while we were delivering is newer and wins the slot
	if r.hasPending {
		r.dropped++
		return
	}
	r.pending, r.hasPending = v, true
}

func (r *Relay[T]) storeLocked(v T) {
	if r.hasPending {
		r.dropped++
	}
	r.pending, r.hasPending = v, true
}
