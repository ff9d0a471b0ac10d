// Package ioerr defines the fatal error taxonomy shared by every layer of
// icepipe. Every layer wraps its own sentinel plus any wrapped lower-layer
// error with trace.Wrap so the top-level pump can surface a full trail.
package ioerr

import (
	"errors"

	"github.com/gravitational/trace"
)

// Sentinel errors for the kinds enumerated in the spec. Every one is fatal:
// there is no local retry, a session either completes or is destroyed.
var (
	ErrTimeout                       = errors.New("timeout")
	ErrSignalingProtocol             = errors.New("signaling protocol violation")
	ErrBadHandshake                  = errors.New("bad handshake")
	ErrBadAuth                       = errors.New("bad authentication")
	ErrCrypto                        = errors.New("crypto error")
	ErrIceLibrary                    = errors.New("ice error")
	ErrSctpLibrary                   = errors.New("sctp error")
	ErrInvalidInput                  = errors.New("invalid input")
	ErrAssociationClosedWithoutStream = errors.New("association closed without stream")
)

// Wrap attaches msg as trail context to err via trace.Wrap, preserving the
// sentinel so errors.Is keeps working on the wrapped error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(err, msg)
}

// Timeout returns ErrTimeout wrapped with msg, matching spec.md §7's
// conversion of ping timeouts to Timeout.
func Timeout(msg string) error {
	return trace.Wrap(ErrTimeout, msg)
}

// Is reports whether err ultimately wraps one of the sentinels above,
// looking through trace.Wrap's wrapping the same way errors.Is does through
// fmt.Errorf's %w.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
