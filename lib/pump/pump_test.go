package pump

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icepipe-go/icepipe/lib/stream"
)

// fakeStream is a minimal in-memory stream.Stream: Wait blocks on a channel
// of pre-queued byte slices, Then passes them through verbatim, Send
// records whatever it receives, and RxClosed flips once Then sees the nil
// sentinel queued by drain.
type fakeStream struct {
	queue  chan []byte
	closed bool
	sent   [][]byte
}

func newFakeStream(messages ...[]byte) *fakeStream {
	q := make(chan []byte, len(messages)+1)
	for _, m := range messages {
		q <- m
	}
	return &fakeStream{queue: q}
}

func (f *fakeStream) Wait(ctx context.Context) (stream.Value, error) {
	select {
	case v, ok := <-f.queue:
		if !ok {
			return nil, nil
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok || b == nil {
		f.closed = true
		return nil, nil
	}
	return b, nil
}

func (f *fakeStream) Send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) Close(ctx context.Context) error { return nil }
func (f *fakeStream) RxClosed() bool                  { return f.closed }

// drain pushes a nil sentinel so the next Wait reports rx closed.
func (f *fakeStream) drain() {
	f.queue <- nil
}

func TestRunForwardsPeerToLocalInOrder(t *testing.T) {
	// Only peer closes: the loop ends as soon as either side is rx-closed,
	// so a closing local side could win the race before peer's messages.
	peer := newFakeStream([]byte("one"), []byte("two"), []byte("three"))
	peer.drain()
	local := newFakeStream()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, Run(ctx, peer, local))
	require.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, local.sent)
}

func TestRunForwardsLocalToPeerInOrder(t *testing.T) {
	// Only local closes, for the same reason as above.
	peer := newFakeStream()
	local := newFakeStream([]byte("a"), []byte("b"))
	local.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, Run(ctx, peer, local))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, peer.sent)
}

func TestRunStopsWhenEitherSideClosesRx(t *testing.T) {
	// peer never closes on its own; local closes immediately. Run must
	// still terminate because RxClosed on either side ends the loop.
	peer := newFakeStream()
	local := newFakeStream()
	local.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, Run(ctx, peer, local))
	require.True(t, local.RxClosed())
}
