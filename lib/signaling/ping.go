package signaling

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	pingInterval = 15 * time.Second
	pongTimeout  = 60 * time.Second
)

// pingState tracks the liveness protocol's two absolute timestamps: the
// last time a ping was sent (or any liveness frame seen) and the last time
// a ping or pong was received from the peer. Wait races the deadlines these
// produce; Then updates them once the corresponding event is handled. The
// gorilla/websocket ping/pong handlers run on the connection's read-loop
// goroutine, Then's sentPing runs on whichever goroutine drives the pump,
// and the deadline readers run on the Waiter's goroutine, so every access
// goes through mu.
type pingState struct {
	clock clockwork.Clock

	mu       sync.Mutex
	lastPing time.Time
	lastPong time.Time
}

func newPingState(clock clockwork.Clock) *pingState {
	now := clock.Now()
	return &pingState{clock: clock, lastPing: now, lastPong: now}
}

// nextPingDeadline is when the caller must send a ping absent any other
// liveness activity.
func (p *pingState) nextPingDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPing.Add(pingInterval)
}

// pongDeadline is when the connection is considered dead absent any ping
// or pong from the peer.
func (p *pingState) pongDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPong.Add(pongTimeout)
}

// sentPing records that a ping was just sent, rescheduling the next one.
func (p *pingState) sentPing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPing = p.clock.Now()
}

// receivedPing records an inbound ping, which resets both timestamps: it
// proves the peer is alive and that this side must reply with a pong.
func (p *pingState) receivedPing() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPing = now
	p.lastPong = now
}

// receivedPong records an inbound pong, resetting both timestamps.
func (p *pingState) receivedPong() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPing = now
	p.lastPong = now
}
