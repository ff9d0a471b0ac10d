// Package connect wires every layer of the icepipe stack together: dial
// signalling, run key agreement, establish ICE/SCTP connectivity, wrap the
// result in the AEAD record layer, then hand the whole pipeline and the
// caller's local stream to the top-level pump.
package connect

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pion/ice/v4"
	"golang.org/x/crypto/curve25519"

	"github.com/icepipe-go/icepipe/lib/aead"
	"github.com/icepipe-go/icepipe/lib/agreement"
	"github.com/icepipe-go/icepipe/lib/iceagent"
	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/keys"
	"github.com/icepipe-go/icepipe/lib/pump"
	"github.com/icepipe-go/icepipe/lib/sctptransport"
	"github.com/icepipe-go/icepipe/lib/signaling"
	"github.com/icepipe-go/icepipe/lib/stream"
)

// Options configures one end-to-end session.
type Options struct {
	// SignalingURL is the base WebSocket URL; Channel is appended as a path
	// segment to form the actual rendezvous URL.
	SignalingURL string
	Channel      string

	// IceURLs carries the CLI's raw "<scheme-url>[&username&password]"
	// syntax for each STUN/TURN server.
	IceURLs []string

	Auth Authentication

	// Clock overrides the signalling layer's liveness clock; nil selects
	// the real clock.
	Clock clockwork.Clock
}

// Authentication is re-exported so callers only need to import lib/connect
// for the common case.
type Authentication = agreement.Authentication

// Run dials the signalling server, completes key agreement, establishes ICE
// and SCTP connectivity, wraps the resulting stream in the AEAD record
// layer, and pumps bytes between it and local until either side's read half
// closes.
func Run(ctx context.Context, opts Options, local stream.Stream) error {
	url := strings.TrimRight(opts.SignalingURL, "/") + "/" + opts.Channel

	sig, dialer, err := signaling.Dial(ctx, url, opts.Clock)
	if err != nil {
		return err
	}

	keyMaterial, err := agreement.Agree(ctx, sig, opts.Auth, dialer)
	if err != nil {
		return err
	}

	iceURLs, err := parseIceURLs(opts.IceURLs)
	if err != nil {
		return err
	}

	control, err := iceagent.New(ctx, sig, dialer, iceURLs)
	if err != nil {
		return err
	}

	netConn, err := control.Connect(ctx)
	if err != nil {
		return err
	}

	sctpStream, err := sctptransport.New(ctx, netConn, dialer, control)
	if err != nil {
		return err
	}

	peer, err := aead.New(keyMaterial, dialer, sctpStream)
	if err != nil {
		return err
	}

	return pump.Run(ctx, peer, local)
}

// parseIceURLs parses the CLI's "<scheme-url>[&username&password]" syntax
// into pion/ice URLs, splitting each entry on literal "&".
func parseIceURLs(raw []string) ([]*ice.URL, error) {
	urls := make([]*ice.URL, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, "&")
		u, err := ice.ParseURL(parts[0])
		if err != nil {
			return nil, trace.Wrap(ioerr.ErrInvalidInput, "parsing ice url %q: %v", parts[0], err)
		}
		if len(parts) >= 2 {
			u.Username = parts[1]
		}
		if len(parts) >= 3 {
			u.Password = parts[2]
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// DeriveKeyChannel computes the key-authentication-mode channel name: the
// hex-encoded X25519 Diffie-Hellman shared secret between the local
// long-term Ed25519 seed and the peer's long-term Ed25519 public key, each
// converted to its X25519 equivalent.
func DeriveKeyChannel(localSeed []byte, peerPublic ed25519.PublicKey) (string, error) {
	localScalar := keys.Ed25519SeedToX25519(localSeed)

	peerMontgomery, err := keys.Ed25519PublicKeyToX25519(peerPublic)
	if err != nil {
		return "", trace.Wrap(err, "converting peer public key to x25519")
	}

	shared, err := curve25519.X25519(localScalar[:], peerMontgomery[:])
	if err != nil {
		return "", trace.Wrap(ioerr.ErrCrypto, "computing key-mode channel shared secret: %v", err)
	}

	return hex.EncodeToString(shared), nil
}
