// Package signaling implements the WebSocket rendezvous channel: the first
// leg of every session, which assigns each peer its dialer/listener role
// and thereafter carries text-framed protocol messages with transparent
// ping/pong liveness.
package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const (
	dialerAssignment   = "DIALER"
	listenerAssignment = "LISTENER"
	writeDeadline      = 10 * time.Second
	handshakeTimeout   = 15 * time.Second
)

// readResult is what the background reader goroutine reports: either an
// application text message or a terminal read error.
type readResult struct {
	text string
	err  error
}

type pingEvent struct{}
type pongTimeoutEvent struct{}

// Conn is the uniform-interface signalling layer. Wait's Value is one of a
// readResult, a pingEvent (must send a ping), or a pongTimeoutEvent (fatal
// liveness timeout).
type Conn struct {
	ws    *websocket.Conn
	clock clockwork.Clock
	ping  *pingState

	reads    chan readResult
	txClosed bool
	rxClosed bool
}

// Dial opens url, reads the server's role-assignment frame, and returns the
// connected Conn plus whether the local side is the dialer.
func Dial(ctx context.Context, url string, clock clockwork.Clock) (*Conn, bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, false, trace.Wrap(ioerr.ErrBadHandshake, "dialing signaling server: %v", err)
	}

	c := newConn(ws, clock)

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, false, trace.Wrap(ioerr.ErrSignalingProtocol, "reading role assignment: %v", err)
	}
	if msgType != websocket.TextMessage {
		ws.Close()
		return nil, false, trace.Wrap(ioerr.ErrSignalingProtocol, "unexpected frame kind for role assignment")
	}

	var isDialer bool
	switch string(data) {
	case dialerAssignment:
		isDialer = true
	case listenerAssignment:
		isDialer = false
	default:
		ws.Close()
		return nil, false, trace.Wrap(ioerr.ErrSignalingProtocol, "unexpected role assignment %q", data)
	}

	c.startReadLoop()
	return c, isDialer, nil
}

func newConn(ws *websocket.Conn, clock clockwork.Clock) *Conn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Conn{
		ws:    ws,
		clock: clock,
		ping:  newPingState(clock),
		reads: make(chan readResult, 1),
	}

	// gorilla/websocket invokes these handlers from within ReadMessage and
	// filters ping/pong control frames out of the data stream automatically;
	// our handler only needs to keep the liveness clock current and reply.
	ws.SetPingHandler(func(appData string) error {
		c.ping.receivedPing()
		deadline := time.Now().Add(writeDeadline)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	ws.SetPongHandler(func(string) error {
		c.ping.receivedPong()
		return nil
	})

	return c
}

func (c *Conn) startReadLoop() {
	go func() {
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				c.reads <- readResult{err: trace.Wrap(ioerr.ErrSignalingProtocol, "signaling connection closed: %v", err)}
				return
			}
			if msgType != websocket.TextMessage {
				c.reads <- readResult{err: trace.Wrap(ioerr.ErrSignalingProtocol, "unexpected frame kind %d", msgType)}
				return
			}
			c.reads <- readResult{text: string(data)}
		}
	}()
}

// Send implements stream.Stream: transmits a text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeDeadline)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return trace.Wrap(err, "setting write deadline")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return trace.Wrap(ioerr.ErrSignalingProtocol, "sending signaling message: %v", err)
	}
	return nil
}

// Wait races the pending read against the two liveness deadlines.
func (c *Conn) Wait(ctx context.Context) (stream.Value, error) {
	pingTimer := c.clock.NewTimer(c.ping.nextPingDeadline().Sub(c.clock.Now()))
	defer pingTimer.Stop()
	pongTimer := c.clock.NewTimer(c.ping.pongDeadline().Sub(c.clock.Now()))
	defer pongTimer.Stop()

	select {
	case r := <-c.reads:
		return r, nil
	case <-pingTimer.Chan():
		return pingEvent{}, nil
	case <-pongTimer.Chan():
		return pongTimeoutEvent{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then interprets the value from Wait: a received application message
// surfaces as a payload, a due ping is sent and swallowed, a pong timeout
// is fatal.
func (c *Conn) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	switch val := v.(type) {
	case readResult:
		if val.err != nil {
			c.rxClosed = true
			return nil, val.err
		}
		return []byte(val.text), nil
	case pingEvent:
		c.ping.sentPing()
		deadline := time.Now().Add(writeDeadline)
		if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return nil, trace.Wrap(ioerr.ErrSignalingProtocol, "sending ping: %v", err)
		}
		return nil, nil
	case pongTimeoutEvent:
		return nil, ioerr.Timeout("no ping or pong received from signaling peer within 60s")
	default:
		return nil, trace.Wrap(ioerr.ErrSignalingProtocol, "unexpected internal signaling event %T", v)
	}
}

// Close initiates a clean WebSocket close. Idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if c.txClosed {
		return nil
	}
	c.txClosed = true
	deadline := time.Now().Add(writeDeadline)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// RxClosed reports whether the read side has permanently terminated.
func (c *Conn) RxClosed() bool {
	return c.rxClosed
}
