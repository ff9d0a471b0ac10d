// Package defaults resolves the signalling-server URL and the ICE URL list
// from either an environment variable or a fixed-size, NUL-padded byte blob
// embedded in the binary. The blob format lets an operator patch a default
// directly into the compiled executable (ASCII "NAME__value\0...", trimmed
// at the first NUL) without rebuilding, mirroring the embedded-constant
// trick the original implementation used.
package defaults

import (
	"bytes"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/icepipe-go/icepipe/lib/ioerr"
)

// blobSize is the padded size of each embedded default. Large enough to
// hold a realistic signalling URL or semicolon-separated ICE URL list.
const blobSize = 256

// signalingBlob and iceBlob are the binary-patchable defaults. Edit these in
// a compiled binary by overwriting bytes after the "__" marker, keeping the
// trailing NUL padding intact.
var (
	signalingBlob = pad("SIGNAL__")
	iceBlob       = pad("STUN__stun:stun.l.google.com:19302")
)

func pad(s string) [blobSize]byte {
	var b [blobSize]byte
	copy(b[:], s)
	return b
}

// SignalingServer resolves the signalling-server base URL: the SIGNAL
// environment variable if set, else the embedded default, else
// ErrInvalidInput if both are empty.
func SignalingServer() (string, error) {
	v, err := resolve("SIGNAL", signalingBlob[:])
	if err != nil {
		return "", trace.Wrap(err, "resolving signalling server default")
	}
	return v, nil
}

// IceURLs resolves the semicolon-separated ICE (STUN/TURN) URL list: the
// STUN environment variable if set, else the embedded default, else
// ErrInvalidInput if both are empty. The non-empty result is split on ";".
func IceURLs() ([]string, error) {
	v, err := resolve("STUN", iceBlob[:])
	if err != nil {
		return nil, trace.Wrap(err, "resolving ICE url defaults")
	}
	return strings.Split(v, ";"), nil
}

func resolve(env string, blob []byte) (string, error) {
	if v, ok := os.LookupEnv(env); ok {
		if v == "" {
			return "", trace.Wrap(ioerr.ErrInvalidInput, "environment variable %s is empty", env)
		}
		return v, nil
	}

	fallback := fromBlob(blob)
	if fallback == "" {
		return "", trace.Wrap(ioerr.ErrInvalidInput, "no default value available for %s, must provide one", env)
	}
	return fallback, nil
}

// fromBlob trims an embedded default blob at the first NUL and strips the
// leading "NAME__" marker if present.
func fromBlob(blob []byte) string {
	n := bytes.IndexByte(blob, 0)
	if n < 0 {
		n = len(blob)
	}
	s := string(blob[:n])
	if idx := strings.Index(s, "__"); idx >= 0 {
		s = s[idx+2:]
	}
	return s
}
