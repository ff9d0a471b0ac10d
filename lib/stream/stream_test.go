package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// queueStream emits whatever is pushed onto its channel, one event per Wait
// call, and never loses an event: Wait always returns the oldest queued
// event rather than one spawned independently each call.
type queueStream struct {
	events chan int
}

func newQueueStream() *queueStream {
	return &queueStream{events: make(chan int, 8)}
}

func (q *queueStream) Wait(ctx context.Context) (Value, error) {
	select {
	case v := <-q.events:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *queueStream) Then(ctx context.Context, v Value) ([]byte, error) { return nil, nil }
func (q *queueStream) Send(ctx context.Context, b []byte) error          { return nil }
func (q *queueStream) Close(ctx context.Context) error                   { return nil }
func (q *queueStream) RxClosed() bool                                    { return false }

// TestWaiterDoesNotLoseEventsAcrossRepeatedSelects guards against the bug a
// naive "spawn a fresh Wait goroutine every loop iteration" pattern has: if
// one side of a select never wins, but a fresh Wait is spawned on it again
// next iteration anyway, two concurrent Wait calls race the same channel
// and one silently loses its event. A Waiter must deliver every event
// queued before it is asked to wait, in order, with no loss.
func TestWaiterDoesNotLoseEventsAcrossRepeatedSelects(t *testing.T) {
	ctx := context.Background()
	busy := newQueueStream() // always has something ready: "wins" every select
	quiet := newQueueStream()

	quiet.events <- 1
	quiet.events <- 2
	quiet.events <- 3

	busyWaiter := NewWaiter(ctx, busy)
	quietWaiter := NewWaiter(ctx, quiet)

	var got []int
	for len(got) < 3 {
		busy.events <- 0 // keep the busy side ready so it often wins the race
		select {
		case o := <-busyWaiter.Chan():
			busyWaiter.Consumed()
			_ = o
		case o := <-quietWaiter.Chan():
			quietWaiter.Consumed()
			got = append(got, o.V.(int))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for quiet side's events")
		}
	}

	require.Equal(t, []int{1, 2, 3}, got)
}

func TestWaiterPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newQueueStream()
	w := NewWaiter(ctx, q)
	cancel()

	select {
	case o := <-w.Chan():
		require.Error(t, o.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}
