package defaults

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icepipe-go/icepipe/lib/ioerr"
)

func TestSignalingServer(t *testing.T) {
	tests := []struct {
		name    string
		set     bool
		value   string
		want    string
		wantErr error
	}{
		{name: "env override", set: true, value: "wss://example.com", want: "wss://example.com"},
		{name: "empty env falls to invalid input", set: true, value: "", wantErr: ioerr.ErrInvalidInput},
		{name: "unset falls to embedded default, which is empty", set: false, wantErr: ioerr.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv("SIGNAL", tt.value)
			}
			got, err := SignalingServer()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestIceURLs(t *testing.T) {
	tests := []struct {
		name  string
		set   bool
		value string
		want  []string
	}{
		{name: "env override single", set: true, value: "stun:my.stun.example", want: []string{"stun:my.stun.example"}},
		{name: "env override list", set: true, value: "stun:a;turn:b&user&pass", want: []string{"stun:a", "turn:b&user&pass"}},
		{name: "unset falls to embedded google stun default", set: false, want: []string{"stun:stun.l.google.com:19302"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv("STUN", tt.value)
			}
			got, err := IceURLs()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFromBlob(t *testing.T) {
	b := pad("SIGNAL__wss://fallback.example")
	require.Equal(t, "wss://fallback.example", fromBlob(b[:]))

	empty := pad("SIGNAL__")
	require.Equal(t, "", fromBlob(empty[:]))
}
