// Package aead implements the outermost layer of the icepipe stack: an
// authenticated-encrypted record format over ChaCha20-Poly1305, keyed by an
// HKDF-SHA512 schedule that derives distinct sealing/opening keys and nonce
// seeds for dialer and listener without any further negotiation.
package aead

import (
	"context"
	"crypto/cipher"
	"crypto/sha512"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const (
	keyLabel = "key"
	seqLabel = "seq"
	keyLen   = chacha20poly1305.KeySize // 32
	seqLen   = 16                       // 128-bit nonce counter seed
)

func role(dialer bool) string {
	if dialer {
		return "dialer"
	}
	return "listener"
}

// derive runs HKDF-SHA512 with salt=label, ikm=sharedKeyMaterial, info=role,
// producing length bytes of key material.
func derive(sharedKeyMaterial []byte, label, roleInfo string, length int) ([]byte, error) {
	r := hkdf.New(sha512.New, sharedKeyMaterial, []byte(label), []byte(roleInfo))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, trace.Wrap(err, "deriving %s material", label)
	}
	return out, nil
}

// sequentialNonce is a 128-bit big-endian counter; each Advance emits the
// big-endian encoding of its low 96 bits as a 12-byte nonce and increments
// the full 128-bit value by one.
type sequentialNonce struct {
	counter [16]byte
}

func newSequentialNonce(seed []byte) *sequentialNonce {
	n := &sequentialNonce{}
	copy(n.counter[:], seed)
	return n
}

func (n *sequentialNonce) advance() [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[:], n.counter[4:])
	for i := len(n.counter) - 1; i >= 0; i-- {
		n.counter[i]++
		if n.counter[i] != 0 {
			break
		}
	}
	return nonce
}

// Stream wraps an underlying stream.Stream (the SCTP layer) and seals
// outbound / opens inbound records. Nonces are not transmitted; both peers
// advance synchronized per-direction counters derived from the same key
// schedule.
type Stream struct {
	underlying stream.Stream

	sealAEAD  cipher.AEAD
	sealNonce *sequentialNonce

	openAEAD  cipher.AEAD
	openNonce *sequentialNonce
}

// New derives the four pieces of key material from sharedKeyMaterial and
// wraps underlying with the resulting AEAD record layer.
func New(sharedKeyMaterial []byte, dialer bool, underlying stream.Stream) (*Stream, error) {
	localRole, peerRole := role(dialer), role(!dialer)

	sealKeyBytes, err := derive(sharedKeyMaterial, keyLabel, localRole, keyLen)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, err.Error())
	}
	sealSeqBytes, err := derive(sharedKeyMaterial, seqLabel, localRole, seqLen)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, err.Error())
	}
	openKeyBytes, err := derive(sharedKeyMaterial, keyLabel, peerRole, keyLen)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, err.Error())
	}
	openSeqBytes, err := derive(sharedKeyMaterial, seqLabel, peerRole, seqLen)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, err.Error())
	}

	sealAEAD, err := chacha20poly1305.New(sealKeyBytes)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, "constructing sealing aead: %v", err)
	}
	openAEAD, err := chacha20poly1305.New(openKeyBytes)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, "constructing opening aead: %v", err)
	}

	return &Stream{
		underlying: underlying,
		sealAEAD:   sealAEAD,
		sealNonce:  newSequentialNonce(sealSeqBytes),
		openAEAD:   openAEAD,
		openNonce:  newSequentialNonce(openSeqBytes),
	}, nil
}

// Send seals data (with empty AAD) and hands the ciphertext to the
// underlying layer.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	nonce := s.sealNonce.advance()
	sealed := s.sealAEAD.Seal(nil, nonce[:], data, nil)
	return s.underlying.Send(ctx, sealed)
}

// Wait delegates to the underlying layer.
func (s *Stream) Wait(ctx context.Context) (stream.Value, error) {
	return s.underlying.Wait(ctx)
}

// Then delegates to the underlying layer's Then, then opens any resulting
// ciphertext. A failed open is a fatal Crypto error.
func (s *Stream) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	ct, err := s.underlying.Then(ctx, v)
	if err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, nil
	}
	nonce := s.openNonce.advance()
	plain, err := s.openAEAD.Open(nil, nonce[:], ct, nil)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrCrypto, "opening record: %v", err)
	}
	if plain == nil {
		// An empty record opens to a nil slice; return a non-nil empty
		// payload so it is not mistaken for an internal event.
		plain = []byte{}
	}
	return plain, nil
}

// Close delegates to the underlying layer.
func (s *Stream) Close(ctx context.Context) error {
	return s.underlying.Close(ctx)
}

// RxClosed delegates to the underlying layer.
func (s *Stream) RxClosed() bool {
	return s.underlying.RxClosed()
}
