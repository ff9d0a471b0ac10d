package iceagent

import (
	"context"
	"testing"

	"github.com/pion/ice/v4"
	"github.com/stretchr/testify/require"

	"github.com/icepipe-go/icepipe/lib/stream"
)

// pipeStream is a minimal in-memory stream.Stream used to exercise the
// candidate exchange sub-protocol without a real signalling connection.
type pipeStream struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeStream) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	a = &pipeStream{out: ab, in: ba}
	b = &pipeStream{out: ba, in: ab}
	return a, b
}

func (p *pipeStream) Send(ctx context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	p.out <- cp
	return nil
}

func (p *pipeStream) Wait(ctx context.Context) (stream.Value, error) {
	select {
	case v := <-p.in:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	b, _ := v.([]byte)
	return b, nil
}

func (p *pipeStream) Close(context.Context) error { return nil }
func (p *pipeStream) RxClosed() bool               { return false }

func TestCandidateExchangeHandshakeSucceeds(t *testing.T) {
	a, b := newPipePair()
	ctx := context.Background()

	errCh := make(chan error, 2)
	go func() {
		_, err := newCandidateExchange(ctx, a)
		errCh <- err
	}()
	go func() {
		_, err := newCandidateExchange(ctx, b)
		errCh <- err
	}()

	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
}

func TestCandidateExchangeHandshakeRejectsBadSentinel(t *testing.T) {
	a, b := newPipePair()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("NotIcepipe")))
	_, err := newCandidateExchange(ctx, b)
	require.Error(t, err)
}

func TestCandidateExchangeTrickleAndClose(t *testing.T) {
	a, b := newPipePair()
	ctx := context.Background()

	errCh := make(chan error, 2)
	exA := make(chan *candidateExchange, 1)
	exB := make(chan *candidateExchange, 1)
	go func() {
		ex, err := newCandidateExchange(ctx, a)
		exA <- ex
		errCh <- err
	}()
	go func() {
		ex, err := newCandidateExchange(ctx, b)
		exB <- ex
		errCh <- err
	}()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	exchangeA := <-exA
	exchangeB := <-exB

	// A has a local candidate ready to trickle.
	exchangeA.candidateCh <- "candidate-line-1"
	v, err := exchangeA.wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, v.localCandidate)
	require.NoError(t, exchangeA.then(ctx, nil, v))

	// B observes it arriving over signalling, with no agent to add it to.
	bv, err := exchangeB.wait(ctx)
	require.NoError(t, err)
	require.Nil(t, bv.localCandidate)
	require.NoError(t, exchangeB.then(ctx, nil, bv))
	require.False(t, exchangeB.rxShut)

	// A closes: it sends its close marker, then drains until B's marker
	// arrives, so it runs in the background while B observes the marker.
	closeErr := make(chan error, 1)
	go func() { closeErr <- exchangeA.close(ctx, nil) }()

	closeV, err := exchangeB.wait(ctx)
	require.NoError(t, err)
	require.NoError(t, exchangeB.then(ctx, nil, closeV))
	require.True(t, exchangeB.rxShut)

	// B closes in turn, which lets A's drain finish.
	require.NoError(t, exchangeB.close(ctx, nil))
	require.NoError(t, <-closeErr)
	require.True(t, exchangeA.txShut)
	require.True(t, exchangeA.rxShut)
}

func TestConnectionDeadStates(t *testing.T) {
	require.True(t, ConnectionDead(ice.ConnectionStateCompleted))
	require.True(t, ConnectionDead(ice.ConnectionStateFailed))
	require.True(t, ConnectionDead(ice.ConnectionStateDisconnected))
	require.True(t, ConnectionDead(ice.ConnectionStateClosed))
	require.False(t, ConnectionDead(ice.ConnectionStateChecking))
}
