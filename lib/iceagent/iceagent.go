// Package iceagent drives ICE connectivity establishment over the
// signalling channel: a candidate-exchange sub-protocol (a fixed
// handshake sentinel, then trickled candidate strings, then a close
// marker) wrapping a github.com/pion/ice/v4 Agent.
package iceagent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/pion/ice/v4"

	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/logging"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const (
	protocolStart = "Icepipe"
	protocolClose = "Close"

	localCredential  = "locallocallocallocal"
	remoteCredential = "remoteremoteremoteremote"
)

func localIceCredential(dialer bool) string {
	if dialer {
		return localCredential
	}
	return remoteCredential
}

func remoteIceCredential(dialer bool) string {
	return localIceCredential(!dialer)
}

// exchangeValue is the Value returned by candidateExchange.wait: either a
// locally gathered candidate string to transmit, or whatever the
// signalling layer's own Wait produced.
type exchangeValue struct {
	localCandidate *string
	peerValue      stream.Value
}

// candidateExchange runs the candidate trickle sub-protocol over a
// signalling stream.Stream.
type candidateExchange struct {
	signaling    stream.Stream
	signalWaiter *stream.Waiter
	candidateCh  chan string
	txShut       bool
	rxShut       bool
}

func newCandidateExchange(ctx context.Context, signaling stream.Stream) (*candidateExchange, error) {
	if err := signaling.Send(ctx, []byte(protocolStart)); err != nil {
		return nil, trace.Wrap(err, "sending ice handshake sentinel")
	}
	recv, err := stream.Recv(ctx, signaling)
	if err != nil {
		return nil, trace.Wrap(err, "receiving ice handshake sentinel")
	}
	if string(recv) != protocolStart {
		return nil, trace.Wrap(ioerr.ErrBadHandshake, "expected %q, got %q", protocolStart, recv)
	}

	return &candidateExchange{
		signaling:    signaling,
		signalWaiter: stream.NewWaiter(ctx, signaling),
		candidateCh:  make(chan string, 1),
	}, nil
}

// wait races a locally gathered candidate against the signalling stream's
// own Wait, using the persistent signalWaiter so an unselected signalling
// Wait call is never abandoned mid-flight.
func (e *candidateExchange) wait(ctx context.Context) (exchangeValue, error) {
	select {
	case c := <-e.candidateCh:
		return exchangeValue{localCandidate: &c}, nil
	case o := <-e.signalWaiter.Chan():
		e.signalWaiter.Consumed()
		if o.Err != nil {
			return exchangeValue{}, o.Err
		}
		return exchangeValue{peerValue: o.V}, nil
	case <-ctx.Done():
		return exchangeValue{}, ctx.Err()
	}
}

// then dispatches a value produced by wait. agent may be nil, in which case
// inbound candidates are discarded.
func (e *candidateExchange) then(ctx context.Context, agent *ice.Agent, v exchangeValue) error {
	if v.localCandidate != nil {
		return e.signaling.Send(ctx, []byte(*v.localCandidate))
	}

	payload, err := e.signaling.Then(ctx, v.peerValue)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}

	text := string(payload)
	if text == protocolClose {
		e.rxShut = true
		return nil
	}
	if agent == nil {
		return nil
	}

	cand, err := ice.UnmarshalCandidate(text)
	if err != nil {
		return trace.Wrap(ioerr.ErrIceLibrary, "unmarshalling remote candidate: %v", err)
	}
	return agent.AddRemoteCandidate(cand)
}

func (e *candidateExchange) close(ctx context.Context, agent *ice.Agent) error {
	if !e.txShut {
		if err := e.signaling.Send(ctx, []byte(protocolClose)); err != nil {
			return trace.Wrap(err, "sending ice close marker")
		}
		e.txShut = true
	}

	for !e.rxShut {
		v, err := e.wait(ctx)
		if err != nil {
			return err
		}
		if err := e.then(ctx, agent, v); err != nil {
			return err
		}
	}
	return nil
}

// Agent wraps a pion/ice Agent, exposing the candidate exchange as the
// uniform stream.Stream interface so the top-level pump can continue to
// service trickled candidates and the close handshake across the lifetime
// of the session. Connect performs the initial dial/accept.
type Agent struct {
	agent    *ice.Agent
	exchange *candidateExchange
	dialer   bool
	state    atomic.Value
}

// New gathers local candidates and begins trickling them to the peer.
// urls carries the STUN/TURN servers to use; the caller has already parsed
// any trailing &username&password.
func New(ctx context.Context, signaling stream.Stream, dialer bool, urls []*ice.URL) (*Agent, error) {
	exchange, err := newCandidateExchange(ctx, signaling)
	if err != nil {
		return nil, err
	}

	disabledDisconnectedTimeout := time.Duration(0)
	cfg := &ice.AgentConfig{
		LocalUfrag:          localIceCredential(dialer),
		LocalPwd:            localIceCredential(dialer),
		NetworkTypes:        []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		Urls:                urls,
		LoggerFactory:       logging.NewSlogLoggerFactory("ice"),
		DisconnectedTimeout: &disabledDisconnectedTimeout,
	}

	iceAgent, err := ice.NewAgent(cfg)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrIceLibrary, "creating ice agent: %v", err)
	}

	a := &Agent{agent: iceAgent, exchange: exchange, dialer: dialer}
	a.state.Store(ice.ConnectionStateNew)

	if err := iceAgent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			return
		}
		select {
		case exchange.candidateCh <- c.Marshal():
		case <-ctx.Done():
		}
	}); err != nil {
		return nil, trace.Wrap(ioerr.ErrIceLibrary, "registering candidate callback: %v", err)
	}

	if err := iceAgent.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.state.Store(s)
	}); err != nil {
		return nil, trace.Wrap(ioerr.ErrIceLibrary, "registering connection state callback: %v", err)
	}

	if err := iceAgent.GatherCandidates(); err != nil {
		return nil, trace.Wrap(ioerr.ErrIceLibrary, "gathering local candidates: %v", err)
	}

	return a, nil
}

type dialResult struct {
	conn *ice.Conn
	err  error
}

// Connect races the ICE dial/accept against the ongoing candidate pump,
// returning the resulting UDP-like connection as soon as connectivity
// checks succeed. Candidates that arrive after Connect returns are serviced
// by the Agent's own Wait/Then, which the caller must continue pumping.
func (a *Agent) Connect(ctx context.Context) (*ice.Conn, error) {
	connCh := make(chan dialResult, 1)
	go func() {
		var conn *ice.Conn
		var err error
		remote := remoteIceCredential(a.dialer)
		if a.dialer {
			conn, err = a.agent.Dial(ctx, remote, remote)
		} else {
			conn, err = a.agent.Accept(ctx, remote, remote)
		}
		connCh <- dialResult{conn, err}
	}()

	for {
		select {
		case r := <-connCh:
			if r.err != nil {
				return nil, trace.Wrap(ioerr.ErrIceLibrary, "ice connect: %v", r.err)
			}
			return r.conn, nil
		case c := <-a.exchange.candidateCh:
			if err := a.exchange.then(ctx, a.agent, exchangeValue{localCandidate: &c}); err != nil {
				return nil, err
			}
		case o := <-a.exchange.signalWaiter.Chan():
			a.exchange.signalWaiter.Consumed()
			if o.Err != nil {
				return nil, o.Err
			}
			if err := a.exchange.then(ctx, a.agent, exchangeValue{peerValue: o.V}); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait implements stream.Stream: continues the candidate trickle/close
// pump after Connect has returned.
func (a *Agent) Wait(ctx context.Context) (stream.Value, error) {
	return a.exchange.wait(ctx)
}

// Then implements stream.Stream. Candidate-exchange events never produce
// an upward-facing payload.
func (a *Agent) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	ev, ok := v.(exchangeValue)
	if !ok {
		return nil, trace.Wrap(ioerr.ErrIceLibrary, "unexpected ice agent wait value %T", v)
	}
	if err := a.exchange.then(ctx, a.agent, ev); err != nil {
		return nil, err
	}
	return nil, nil
}

// Send is not meaningful for the control layer; the candidate exchange only
// ever sends in response to its own Wait/Then cycle.
func (a *Agent) Send(context.Context, []byte) error {
	return trace.Wrap(ioerr.ErrIceLibrary, "ice agent control layer does not accept direct sends")
}

// Close sends the close marker and drains remaining candidates.
func (a *Agent) Close(ctx context.Context) error {
	return a.exchange.close(ctx, a.agent)
}

// RxClosed reports whether the peer's close marker has been observed.
func (a *Agent) RxClosed() bool {
	return a.exchange.rxShut
}

// ConnectionState reports the last observed ICE connection state, used by
// lib/sctptransport to decide when the data path is dead.
func (a *Agent) ConnectionState() ice.ConnectionState {
	return a.state.Load().(ice.ConnectionState)
}

// ConnectionDead reports whether the ICE connection state indicates the
// data path can no longer make progress.
func ConnectionDead(s ice.ConnectionState) bool {
	switch s {
	case ice.ConnectionStateCompleted, ice.ConnectionStateFailed,
		ice.ConnectionStateDisconnected, ice.ConnectionStateClosed:
		return true
	default:
		return false
	}
}
