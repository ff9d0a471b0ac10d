// Command icepipe establishes a peer-to-peer encrypted tunnel between two
// invocations of this program, rendezvousing over a signalling server and a
// set of STUN/TURN servers, then forwards bytes between the local side
// (stdio, a file, or a TCP socket) and the peer.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/icepipe-go/icepipe/lib/agreement"
	"github.com/icepipe-go/icepipe/lib/connect"
	"github.com/icepipe-go/icepipe/lib/defaults"
	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/keys"
	"github.com/icepipe-go/icepipe/lib/localio"
	"github.com/icepipe-go/icepipe/lib/logging"
	"github.com/icepipe-go/icepipe/lib/stream"
)

var (
	app = kingpin.New("icepipe", "Peer-to-peer encrypted tunnel over WebSocket rendezvous and ICE/SCTP.")

	channel    = app.Arg("channel", "Shared channel, or in key mode the peer's public key (hex).").String()
	privateKey = app.Flag("private-key", "Enable key-authentication mode using this hex-encoded Ed25519 seed.").String()
	genKey     = app.Flag("gen-key", "Generate a new Ed25519 key pair and exit.").Bool()
	signaling  = app.Flag("signaling", "Override the default signalling server URL.").String()
	ice        = app.Flag("ice", "STUN/TURN server: scheme-url[&username&password]. Repeatable.").Strings()
	input      = app.Flag("input", "Read local input from this file instead of stdin.").Short('i').String()
	tcpInput   = app.Flag("tcp-input", "Listen on this address, accept one connection, and use it as local input/output.").Short('L').String()
	output     = app.Flag("output", "Write peer data to this file instead of stdout.").Short('o').String()
	tcpForward = app.Flag("tcp-forward", "Connect to this address and use it as local input/output.").Short('W').String()
	logLevel   = app.Flag("log-level", "Log level: debug, info, warn, error.").Default("info").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fatal(err)
	}
	logging.SetDefault(level)

	if *genKey {
		if err := runGenKey(); err != nil {
			fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fatal(err)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, trace.Wrap(ioerr.ErrInvalidInput, "unknown log level %q", s)
	}
}

// runGenKey generates a fresh Ed25519 key pair and prints it in the form
// the --private-key flag and the channel argument respectively accept.
func runGenKey() error {
	kp, err := keys.Generate()
	if err != nil {
		return err
	}
	fmt.Printf("--private-key %s\n", hex.EncodeToString(kp.Seed))
	fmt.Printf("Public key: %s\n", hex.EncodeToString(kp.Public))
	return nil
}

func run(ctx context.Context) error {
	if err := checkLocalModeExclusivity(); err != nil {
		return err
	}

	opts, err := buildConnectOptions()
	if err != nil {
		return err
	}

	local, err := buildLocalStream(ctx)
	if err != nil {
		return err
	}

	return connect.Run(ctx, opts, local)
}

// checkLocalModeExclusivity mirrors the reference CLI's assert! guards:
// -L, -W, and the -i/-o pair are mutually exclusive local-I/O sources.
func checkLocalModeExclusivity() error {
	if *tcpInput != "" {
		if *input != "" {
			return trace.Wrap(ioerr.ErrInvalidInput, "--input and --tcp-input are mutually exclusive")
		}
		if *output != "" {
			return trace.Wrap(ioerr.ErrInvalidInput, "--output and --tcp-input are mutually exclusive")
		}
		if *tcpForward != "" {
			return trace.Wrap(ioerr.ErrInvalidInput, "--tcp-input and --tcp-forward are mutually exclusive")
		}
	}
	if *tcpForward != "" {
		if *input != "" {
			return trace.Wrap(ioerr.ErrInvalidInput, "--input and --tcp-forward are mutually exclusive")
		}
		if *output != "" {
			return trace.Wrap(ioerr.ErrInvalidInput, "--output and --tcp-forward are mutually exclusive")
		}
	}
	return nil
}

func buildConnectOptions() (connect.Options, error) {
	signalingURL := *signaling
	if signalingURL == "" {
		var err error
		signalingURL, err = defaults.SignalingServer()
		if err != nil {
			return connect.Options{}, err
		}
	}

	iceURLs := *ice
	if len(iceURLs) == 0 {
		var err error
		iceURLs, err = defaults.IceURLs()
		if err != nil {
			return connect.Options{}, err
		}
	}

	if *privateKey != "" {
		return buildKeyModeOptions(signalingURL, iceURLs)
	}
	return buildPSKModeOptions(signalingURL, iceURLs)
}

func buildPSKModeOptions(signalingURL string, iceURLs []string) (connect.Options, error) {
	if *channel == "" {
		return connect.Options{}, trace.Wrap(ioerr.ErrInvalidInput, "channel argument is required")
	}
	return connect.Options{
		SignalingURL: signalingURL,
		Channel:      agreement.DeriveChannelText(*channel),
		IceURLs:      iceURLs,
		Auth:         agreement.PSK{Secret: *channel},
	}, nil
}

func buildKeyModeOptions(signalingURL string, iceURLs []string) (connect.Options, error) {
	seed, err := hex.DecodeString(*privateKey)
	if err != nil {
		return connect.Options{}, trace.Wrap(ioerr.ErrInvalidInput, "decoding --private-key: %v", err)
	}
	if len(seed) != ed25519.SeedSize {
		return connect.Options{}, trace.Wrap(ioerr.ErrInvalidInput, "--private-key must decode to %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	peerPublic, err := hex.DecodeString(*channel)
	if err != nil {
		return connect.Options{}, trace.Wrap(ioerr.ErrInvalidInput, "decoding peer public key: %v", err)
	}
	if len(peerPublic) != ed25519.PublicKeySize {
		return connect.Options{}, trace.Wrap(ioerr.ErrInvalidInput, "peer public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(peerPublic))
	}

	derivedChannel, err := connect.DeriveKeyChannel(seed, ed25519.PublicKey(peerPublic))
	if err != nil {
		return connect.Options{}, err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return connect.Options{
		SignalingURL: signalingURL,
		Channel:      derivedChannel,
		IceURLs:      iceURLs,
		Auth:         agreement.Ed25519{Private: priv, PeerPublic: ed25519.PublicKey(peerPublic)},
	}, nil
}

func buildLocalStream(ctx context.Context) (stream.Stream, error) {
	switch {
	case *tcpInput != "":
		conn, err := localio.TCPListenOnce(ctx, *tcpInput)
		if err != nil {
			return nil, err
		}
		return localio.New(conn, conn), nil

	case *tcpForward != "":
		slog.Info("connecting to forward target", "address", *tcpForward)
		conn, err := localio.TCPDial(ctx, *tcpForward)
		if err != nil {
			return nil, err
		}
		return localio.New(conn, conn), nil

	default:
		in, err := localio.OpenInput(*input)
		if err != nil {
			return nil, err
		}
		out, err := localio.CreateOutput(*output)
		if err != nil {
			return nil, err
		}
		return localio.New(in, out), nil
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
