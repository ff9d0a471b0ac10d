// Package sctptransport runs a single SCTP stream over the ICE connection,
// carrying both the application data path and (via the pumped ICE control
// layer) continued candidate trickling and the close handshake.
//
// A message larger than 8 KiB is rejected by Send with ErrInvalidInput; it
// is never split.
package sctptransport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/pion/sctp"

	"github.com/icepipe-go/icepipe/lib/iceagent"
	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/logging"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const (
	maxReceiveBufferSize = 4 * 1024 * 1024
	maxMessageSize       = 8 * 1024
	associationName      = "IcePipe"

	backpressureLimit = 4 * 1024 * 1024
	backpressurePoll  = 100 * time.Millisecond

	readBufferSize = 8096

	drainTimeout     = 5 * time.Second
	drainSettleDelay = 100 * time.Millisecond
)

type sctpReadResult struct {
	n    int
	ppid sctp.PayloadProtocolIdentifier
	data []byte
	err  error
}

// waitValue is the Value produced by Stream.Wait: either a control-layer
// event to pump, a data-path read result, or an ICE-state-dead marker.
type waitValue struct {
	isControl      bool
	controlValue   stream.Value
	readResult     *sctpReadResult
	connectionDead bool
}

// Stream wraps a single SCTP stream (id 1, binary PPID) over an ICE
// connection, implementing the uniform stream.Stream interface.
type Stream struct {
	association   *sctp.Association
	dataStream    *sctp.Stream
	control       *iceagent.Agent
	controlWaiter *stream.Waiter

	reads  chan sctpReadResult
	rxShut bool
}

// New establishes the SCTP association (client if dialer, server
// otherwise), opens (dialer) or accepts (listener) the single data stream,
// and writes the one-byte stream-established handshake frame.
func New(ctx context.Context, netConn net.Conn, dialer bool, control *iceagent.Agent) (*Stream, error) {
	cfg := sctp.Config{
		NetConn:              netConn,
		Name:                 associationName,
		MaxReceiveBufferSize: maxReceiveBufferSize,
		MaxMessageSize:       maxMessageSize,
		LoggerFactory:        logging.NewSlogLoggerFactory(associationName),
	}

	var association *sctp.Association
	var err error
	if dialer {
		association, err = sctp.Client(cfg)
	} else {
		association, err = sctp.Server(cfg)
	}
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrSctpLibrary, "establishing sctp association: %v", err)
	}

	dataStream, err := openOrAccept(ctx, association, dialer)
	if err != nil {
		association.Close()
		return nil, err
	}

	if _, err := dataStream.WriteSCTP([]byte{0}, sctp.PayloadTypeWebRTCStringEmpty); err != nil {
		association.Close()
		return nil, trace.Wrap(ioerr.ErrSctpLibrary, "sending stream-established handshake: %v", err)
	}

	s := &Stream{
		association:   association,
		dataStream:    dataStream,
		control:       control,
		controlWaiter: stream.NewWaiter(ctx, control),
		reads:         make(chan sctpReadResult, 1),
	}
	s.startReadLoop()

	return s, nil
}

func openOrAccept(ctx context.Context, association *sctp.Association, dialer bool) (*sctp.Stream, error) {
	if dialer {
		st, err := association.OpenStream(1, sctp.PayloadTypeWebRTCBinary)
		if err != nil {
			return nil, trace.Wrap(ioerr.ErrSctpLibrary, "opening sctp stream: %v", err)
		}
		return st, nil
	}

	type acceptResult struct {
		st  *sctp.Stream
		err error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		st, err := association.AcceptStream()
		resultCh <- acceptResult{st, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, trace.Wrap(ioerr.ErrAssociationClosedWithoutStream, "association closed before peer opened a stream: %v", r.err)
		}
		return r.st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) startReadLoop() {
	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, ppid, err := s.dataStream.ReadSCTP(buf)
			s.reads <- sctpReadResult{n: n, ppid: ppid, data: buf[:n], err: err}
			if err != nil {
				return
			}
		}
	}()
}

// Send writes one SCTP message with the binary PPID, then suspends in
// 100ms increments while the stream's outbound buffered amount exceeds 4MiB.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	if len(data) > maxMessageSize {
		return trace.Wrap(ioerr.ErrInvalidInput, "sctp message of %d bytes exceeds the %d-byte limit", len(data), maxMessageSize)
	}
	if _, err := s.dataStream.WriteSCTP(data, sctp.PayloadTypeWebRTCBinary); err != nil {
		return trace.Wrap(ioerr.ErrSctpLibrary, "writing sctp message: %v", err)
	}
	for s.dataStream.BufferedAmount() > backpressureLimit {
		select {
		case <-time.After(backpressurePoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait races the pumped ICE control layer against the next SCTP read,
// also checking whether the ICE connection state has already gone dead.
// The control layer's Wait is serviced through controlWaiter so an
// unselected call is never abandoned mid-flight.
func (s *Stream) Wait(ctx context.Context) (stream.Value, error) {
	if iceagent.ConnectionDead(s.control.ConnectionState()) {
		return waitValue{connectionDead: true}, nil
	}

	select {
	case o := <-s.controlWaiter.Chan():
		s.controlWaiter.Consumed()
		if o.Err != nil {
			return nil, o.Err
		}
		return waitValue{isControl: true, controlValue: o.V}, nil
	case r := <-s.reads:
		return waitValue{readResult: &r}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then dispatches a value from Wait: a control event is pumped through the
// ICE agent (never producing an upward payload); a zero-length read or a
// non-binary PPID frame sets rx state or is swallowed as a keepalive; a
// binary frame returns its payload.
func (s *Stream) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	wv, ok := v.(waitValue)
	if !ok {
		return nil, trace.Wrap(ioerr.ErrSctpLibrary, "unexpected sctp wait value %T", v)
	}

	if wv.connectionDead {
		s.rxShut = true
		return nil, nil
	}

	if wv.isControl {
		if _, err := s.control.Then(ctx, wv.controlValue); err != nil {
			return nil, err
		}
		return nil, nil
	}

	r := wv.readResult
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			s.rxShut = true
			return nil, nil
		}
		return nil, trace.Wrap(ioerr.ErrSctpLibrary, "reading sctp stream: %v", r.err)
	}
	if r.n == 0 {
		s.rxShut = true
		return nil, nil
	}
	if r.ppid != sctp.PayloadTypeWebRTCBinary {
		return nil, nil
	}

	out := make([]byte, r.n)
	copy(out, r.data)
	return out, nil
}

// Close waits for the data stream to drain (or 5s to elapse), sleeps
// briefly to let the peer observe the drain, closes the control layer
// (sending the ICE close marker and draining it), then shuts down the
// data stream.
func (s *Stream) Close(ctx context.Context) error {
	deadline := time.Now().Add(drainTimeout)
	for s.dataStream.BufferedAmount() > 0 && time.Now().Before(deadline) {
		select {
		case <-time.After(backpressurePoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-time.After(drainSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.control.Close(ctx); err != nil {
		return err
	}
	return s.dataStream.Close()
}

// RxClosed reports true once this stream's own read side has terminated or
// the ICE control layer has observed the peer's close marker.
func (s *Stream) RxClosed() bool {
	return s.rxShut || s.control.RxClosed()
}
