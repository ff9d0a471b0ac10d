// Package stream defines the uniform asynchronous stream contract shared by
// every layer of the icepipe pipeline (signalling, key agreement, ICE,
// SCTP, AEAD). A single abstraction lets the top-level pump race two
// arbitrary stacks without knowing anything about their internals.
package stream

import "context"

// Value is an opaque event produced by Wait. Its concrete type is private to
// the Stream implementation that produced it and is only ever passed back
// into that same implementation's Then. This is Go's answer to erasing a
// family of "what happened" types behind one return value without
// higher-kinded generics: a type switch inside Then plays the role that
// downcast_mut plays over a boxed trait object in languages with explicit
// type erasure.
type Value any

// Stream is satisfied by every layer in the stack: signalling, key
// agreement, candidate exchange/ICE, SCTP, and the AEAD record layer.
//
// Wait must be cancel-safe: if ctx is cancelled before Wait returns, no
// buffered input may be consumed or dropped. Then interprets the Value
// returned by the most recent Wait and performs the corresponding side
// effect, returning a payload when one is ready to flow upward.
type Stream interface {
	// Wait suspends until something this layer may need to act on has
	// happened: peer data, a timer, an internal channel, or a sub-future
	// completing. The returned Value carries what happened; Wait performs
	// no interpretation.
	Wait(ctx context.Context) (Value, error)

	// Then consumes a Value produced by the most recent Wait call and
	// performs its side effects. It returns a non-nil payload when the
	// event produced upward-facing bytes, or nil when the event was
	// internal (keepalive, candidate plumbing, connection-state change).
	Then(ctx context.Context, v Value) ([]byte, error)

	// Send suspends until b has been handed to the layer below, including
	// respecting any backpressure down there.
	Send(ctx context.Context, b []byte) error

	// Close initiates TX shutdown of this layer and drains. Idempotent.
	Close(ctx context.Context) error

	// RxClosed reports whether the RX half has permanently terminated.
	RxClosed() bool
}

// Outcome is what a Waiter delivers: the result of one Wait call.
type Outcome struct {
	V   Value
	Err error
}

// Waiter keeps at most one in-flight Wait call on a Stream alive at a time,
// re-arming automatically once its result has been consumed. This is what
// lets a Stream be raced repeatedly inside a select loop (the pump, the ICE
// candidate exchange, the SCTP control pump) without ever having two
// concurrent Wait calls in flight on the same Stream — launching a second
// Wait before the first's result is consumed would race both against the
// same underlying channel, and whichever call's result nobody reads is
// silently lost.
type Waiter struct {
	ctx context.Context
	s   Stream
	ch  chan Outcome
}

// NewWaiter creates a Waiter and immediately arms it.
func NewWaiter(ctx context.Context, s Stream) *Waiter {
	w := &Waiter{ctx: ctx, s: s, ch: make(chan Outcome, 1)}
	w.arm()
	return w
}

func (w *Waiter) arm() {
	go func() {
		v, err := w.s.Wait(w.ctx)
		w.ch <- Outcome{V: v, Err: err}
	}()
}

// Chan returns the channel to select on. Once a value has been received
// from it, call Consumed to arm the next Wait.
func (w *Waiter) Chan() <-chan Outcome {
	return w.ch
}

// Consumed arms the next Wait call. Must be called exactly once after each
// value received from Chan().
func (w *Waiter) Consumed() {
	w.arm()
}

// Recv repeats Wait/Then cycles until one yields a payload (returned) or the
// stream's RX half closes (nil, nil), a convenience used by tests and by
// layers that need a single blocking receive rather than a race.
func Recv(ctx context.Context, s Stream) ([]byte, error) {
	for {
		v, err := s.Wait(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := s.Then(ctx, v)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}
		if s.RxClosed() {
			return nil, nil
		}
	}
}
