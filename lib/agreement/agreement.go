// Package agreement implements the X25519 ephemeral key agreement run over
// the signalling channel, authenticated either by a pre-shared key (via
// HMAC-SHA512 over a PBKDF2-HMAC-SHA512 derivation) or by Ed25519 signatures
// of known long-term keys.
package agreement

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const (
	pbkdf2Iterations  = 4096
	pbkdf2OutputBytes = 32
	channelLabel      = "channel"
	authLabel         = "keymaterial_check"
)

func roleString(dialer bool) string {
	if dialer {
		return "dialer"
	}
	return "listener"
}

// deriveRole runs PBKDF2-HMAC-SHA512 over basekey with salt "<role>:<label>",
// matching every role-salted derivation in the protocol (channel name and
// PSK authentication key alike).
func deriveRole(basekey string, dialer bool, label string, length int) []byte {
	salt := roleString(dialer) + ":" + label
	return pbkdf2.Key([]byte(basekey), []byte(salt), pbkdf2Iterations, length, sha512.New)
}

// DeriveChannelText derives the URL-safe base64 (no padding) channel name
// for PSK mode. The role used is always "dialer": both peers must compute
// the same channel name before either of them has been assigned a role by
// the signalling server.
func DeriveChannelText(psk string) string {
	d := deriveRole(psk, true, channelLabel, pbkdf2OutputBytes)
	return base64.RawURLEncoding.EncodeToString(d)
}

// Authentication authenticates the ephemeral public keys exchanged during
// agreement. Sign signs data asserting the local role; Verify checks data
// against the peer's role.
type Authentication interface {
	Sign(ctx context.Context, localDialer bool, data []byte) ([]byte, error)
	Verify(ctx context.Context, peerDialer bool, data, sig []byte) error
}

// PSK authenticates using HMAC-SHA512 over a PBKDF2-HMAC-SHA512 derivation
// of a shared pre-shared key.
type PSK struct {
	Secret string
}

func (p PSK) key(dialer bool) []byte {
	return deriveRole(p.Secret, dialer, authLabel, pbkdf2OutputBytes)
}

// Sign implements Authentication.
func (p PSK) Sign(_ context.Context, localDialer bool, data []byte) ([]byte, error) {
	mac := hmac.New(sha512.New, p.key(localDialer))
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify implements Authentication.
func (p PSK) Verify(_ context.Context, peerDialer bool, data, sig []byte) error {
	mac := hmac.New(sha512.New, p.key(peerDialer))
	mac.Write(data)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return trace.Wrap(ioerr.ErrBadAuth, "mismatched authentication tag on key agreement based on PSK")
	}
	return nil
}

// Ed25519 authenticates using the local long-term Ed25519 private key and a
// known peer public key, supplied out of band.
type Ed25519 struct {
	Private    ed25519.PrivateKey
	PeerPublic ed25519.PublicKey
}

// Sign implements Authentication. The role is irrelevant for this variant:
// there is exactly one local signing key.
func (e Ed25519) Sign(_ context.Context, _ bool, data []byte) ([]byte, error) {
	return ed25519.Sign(e.Private, data), nil
}

// Verify implements Authentication.
func (e Ed25519) Verify(_ context.Context, _ bool, data, sig []byte) error {
	if !ed25519.Verify(e.PeerPublic, data, sig) {
		return trace.Wrap(ioerr.ErrBadAuth, "ed25519 signature verification failed")
	}
	return nil
}

// Agree runs the ephemeral X25519 agreement protocol over signaling,
// returning the raw shared key material. Both peers run this concurrently
// and symmetrically; dialer only affects which role's label is used when
// signing/verifying.
func Agree(ctx context.Context, signaling stream.Stream, auth Authentication, dialer bool) ([]byte, error) {
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, "generating ephemeral x25519 key: %v", err)
	}
	var pk [32]byte
	curve25519.ScalarBaseMult(&pk, &sk)

	if err := signaling.Send(ctx, []byte(base64.StdEncoding.EncodeToString(pk[:]))); err != nil {
		return nil, trace.Wrap(err, "sending ephemeral public key")
	}

	sig, err := auth.Sign(ctx, dialer, pk[:])
	if err != nil {
		return nil, trace.Wrap(err, "signing ephemeral public key")
	}
	if err := signaling.Send(ctx, []byte(base64.StdEncoding.EncodeToString(sig))); err != nil {
		return nil, trace.Wrap(err, "sending signature")
	}

	peerPkText, err := recvText(ctx, signaling)
	if err != nil {
		return nil, trace.Wrap(err, "receiving peer public key")
	}
	peerPk, err := base64.StdEncoding.DecodeString(peerPkText)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrSignalingProtocol, "bad peer public key encoding: %v", err)
	}

	peerSigText, err := recvText(ctx, signaling)
	if err != nil {
		return nil, trace.Wrap(err, "receiving peer signature")
	}
	peerSig, err := base64.StdEncoding.DecodeString(peerSigText)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrSignalingProtocol, "bad peer signature encoding: %v", err)
	}

	if len(peerPk) != 32 {
		return nil, trace.Wrap(ioerr.ErrSignalingProtocol, "peer public key must be 32 bytes, got %d", len(peerPk))
	}
	if err := auth.Verify(ctx, !dialer, peerPk, peerSig); err != nil {
		return nil, err
	}

	var peerPkArr [32]byte
	copy(peerPkArr[:], peerPk)
	km, err := curve25519.X25519(sk[:], peerPkArr[:])
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, "computing shared secret: %v", err)
	}

	return km, nil
}

// recvText runs the Wait/Then cycle until a non-nil payload arrives,
// mirroring the original "skip internal events" signalling receive loop.
func recvText(ctx context.Context, s stream.Stream) (string, error) {
	payload, err := stream.Recv(ctx, s)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
