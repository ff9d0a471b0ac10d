package agreement

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icepipe-go/icepipe/lib/stream"
)

// pipeStream is a minimal in-memory stream.Stream: Send on one end becomes a
// Wait/Then payload on the paired end.
type pipeStream struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeStream) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
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

// runBothSides runs Agree concurrently on both ends of a pipe pair and
// returns each side's resulting shared key material.
func runBothSides(t *testing.T, dialerAuth, listenerAuth Authentication) ([]byte, []byte) {
	t.Helper()
	a, b := newPipePair()

	type result struct {
		km  []byte
		err error
	}
	dialerCh := make(chan result, 1)
	listenerCh := make(chan result, 1)

	go func() {
		km, err := Agree(context.Background(), a, dialerAuth, true)
		dialerCh <- result{km, err}
	}()
	go func() {
		km, err := Agree(context.Background(), b, listenerAuth, false)
		listenerCh <- result{km, err}
	}()

	dr := <-dialerCh
	lr := <-listenerCh
	require.NoError(t, dr.err)
	require.NoError(t, lr.err)
	return dr.km, lr.km
}

func TestAgreePSKProducesSharedSecret(t *testing.T) {
	auth := PSK{Secret: "correct horse battery staple"}
	dialerKM, listenerKM := runBothSides(t, auth, auth)
	require.Equal(t, dialerKM, listenerKM)
	require.Len(t, dialerKM, 32)
}

func TestAgreePSKRejectsMismatchedSecret(t *testing.T) {
	a, b := newPipePair()

	errCh := make(chan error, 2)
	go func() {
		_, err := Agree(context.Background(), a, PSK{Secret: "secret-one"}, true)
		errCh <- err
	}()
	go func() {
		_, err := Agree(context.Background(), b, PSK{Secret: "secret-two"}, false)
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	require.True(t, err1 != nil || err2 != nil, "at least one side must reject the mismatched agreement")
}

func TestAgreeEd25519ProducesSharedSecret(t *testing.T) {
	dialerPub, dialerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	listenerPub, listenerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dialerAuth := Ed25519{Private: dialerPriv, PeerPublic: listenerPub}
	listenerAuth := Ed25519{Private: listenerPriv, PeerPublic: dialerPub}

	dialerKM, listenerKM := runBothSides(t, dialerAuth, listenerAuth)
	require.Equal(t, dialerKM, listenerKM)
}

func TestDeriveChannelTextIsDeterministicAndRoleFixed(t *testing.T) {
	a := DeriveChannelText("shared-password")
	b := DeriveChannelText("shared-password")
	require.Equal(t, a, b)

	c := DeriveChannelText("different-password")
	require.NotEqual(t, a, c)

	// The channel name always uses the dialer role, whatever the local role.
	dialerDerived := deriveRole("shared-password", true, channelLabel, pbkdf2OutputBytes)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(dialerDerived), a)
}
