// Package pump implements the top-level event loop: alternately wait on
// the peer stream and the local stream, forward whatever payload each
// produces to the other side, and stop once either side's read half has
// permanently closed.
package pump

import (
	"context"

	"github.com/icepipe-go/icepipe/lib/stream"
)

type side int

const (
	sidePeer side = iota
	sideLocal
)

type waitResult struct {
	side side
	o    stream.Outcome
}

// Run pumps bytes between peer and local until either side's RxClosed
// becomes true, then closes both sides and returns. A non-nil error from
// either stream's Wait, Then or Send is fatal and is returned after
// best-effort closing both sides. Errors from Close are never returned.
func Run(ctx context.Context, peer, local stream.Stream) error {
	runErr := runLoop(ctx, peer, local)

	_ = closeBoth(ctx, peer, local)
	return runErr
}

// runLoop uses a stream.Waiter per side so a side's in-flight Wait call is
// never abandoned just because the other side's Wait resolved first.
func runLoop(ctx context.Context, peer, local stream.Stream) error {
	peerWaiter := stream.NewWaiter(ctx, peer)
	localWaiter := stream.NewWaiter(ctx, local)

	for !peer.RxClosed() && !local.RxClosed() {
		var r waitResult
		select {
		case o := <-peerWaiter.Chan():
			peerWaiter.Consumed()
			r = waitResult{side: sidePeer, o: o}
		case o := <-localWaiter.Chan():
			localWaiter.Consumed()
			r = waitResult{side: sideLocal, o: o}
		case <-ctx.Done():
			return ctx.Err()
		}

		if r.o.Err != nil {
			return r.o.Err
		}

		if err := dispatch(ctx, peer, local, r); err != nil {
			return err
		}
	}
	return nil
}

func dispatch(ctx context.Context, peer, local stream.Stream, r waitResult) error {
	switch r.side {
	case sidePeer:
		payload, err := peer.Then(ctx, r.o.V)
		if err != nil {
			return err
		}
		if payload != nil {
			return local.Send(ctx, payload)
		}
	case sideLocal:
		payload, err := local.Then(ctx, r.o.V)
		if err != nil {
			return err
		}
		if payload != nil {
			return peer.Send(ctx, payload)
		}
	}
	return nil
}

func closeBoth(ctx context.Context, peer, local stream.Stream) error {
	peerErr := peer.Close(ctx)
	localErr := local.Close(ctx)
	if peerErr != nil {
		return peerErr
	}
	return localErr
}
