package connect

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIceURLsSplitsCredentials(t *testing.T) {
	urls, err := parseIceURLs([]string{
		"turn:my.turn.example:19302&someuser&somepass",
		"stun:stun.l.google.com:19302",
	})
	require.NoError(t, err)
	require.Len(t, urls, 2)

	require.Equal(t, "someuser", urls[0].Username)
	require.Equal(t, "somepass", urls[0].Password)

	require.Empty(t, urls[1].Username)
	require.Empty(t, urls[1].Password)
}

func TestParseIceURLsRejectsMalformedURL(t *testing.T) {
	_, err := parseIceURLs([]string{"not-a-valid-scheme"})
	require.Error(t, err)
}

func TestDeriveKeyChannelIsSymmetric(t *testing.T) {
	aPub, aPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bPub, bPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	// Ed25519's GenerateKey returns a 64-byte "private key" whose first 32
	// bytes are the seed.
	aSeed := aPriv.Seed()
	bSeed := bPriv.Seed()

	fromA, err := DeriveKeyChannel(aSeed, bPub)
	require.NoError(t, err)
	fromB, err := DeriveKeyChannel(bSeed, aPub)
	require.NoError(t, err)

	require.Equal(t, fromA, fromB)
	require.Len(t, fromA, 64) // 32 bytes hex-encoded
}
