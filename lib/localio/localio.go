// Package localio adapts the local side of a session (standard I/O, a
// file, or a TCP connection) to the uniform stream.Stream interface, so the
// top-level pump can treat it exactly like the remote, encrypted peer.
package localio

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/gravitational/trace"

	"github.com/icepipe-go/icepipe/lib/ioerr"
	"github.com/icepipe-go/icepipe/lib/stream"
)

const readBufferSize = 4096

type readResult struct {
	data []byte
	err  error
}

// IOStream adapts any io.Reader/io.Writer pair to the uniform interface.
type IOStream struct {
	input  io.Reader
	output io.Writer

	reads  chan readResult
	rxShut bool
}

// New wraps input/output as a stream.Stream. The background read loop
// starts immediately.
func New(input io.Reader, output io.Writer) *IOStream {
	s := &IOStream{input: input, output: output, reads: make(chan readResult, 1)}
	s.startReadLoop()
	return s
}

// Stdio wraps the process's standard input and output.
func Stdio() *IOStream {
	return New(os.Stdin, os.Stdout)
}

// OpenInput opens path for reading, or returns os.Stdin if path is empty.
func OpenInput(path string) (io.Reader, error) {
	if path == "" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "opening input file %q: %v", path, err)
	}
	return f, nil
}

// CreateOutput creates path for writing, or returns os.Stdout if path is
// empty.
func CreateOutput(path string) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "creating output file %q: %v", path, err)
	}
	return f, nil
}

// TCPListenOnce listens on addr and returns the first accepted connection,
// to be used as a combined input/output source.
func TCPListenOnce(ctx context.Context, addr string) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "listening on %q: %v", addr, err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, trace.Wrap(ioerr.ErrInvalidInput, "accepting tcp connection on %q: %v", addr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TCPDial connects to addr, to be used as a combined input/output source.
func TCPDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "dialing tcp %q: %v", addr, err)
	}
	return conn, nil
}

func (s *IOStream) startReadLoop() {
	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, err := s.input.Read(buf)
			s.reads <- readResult{data: buf[:n], err: err}
			if err != nil {
				return
			}
		}
	}()
}

// Send writes data to the output side.
func (s *IOStream) Send(ctx context.Context, data []byte) error {
	if _, err := s.output.Write(data); err != nil {
		return trace.Wrap(ioerr.ErrInvalidInput, "writing local output: %v", err)
	}
	return nil
}

// Wait returns the next read result.
func (s *IOStream) Wait(ctx context.Context) (stream.Value, error) {
	select {
	case r := <-s.reads:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then interprets a read result: EOF or a zero-length read sets rx_shut,
// otherwise the bytes read are the payload.
func (s *IOStream) Then(ctx context.Context, v stream.Value) ([]byte, error) {
	r, ok := v.(readResult)
	if !ok {
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "unexpected local io wait value %T", v)
	}
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			s.rxShut = true
			return nil, nil
		}
		return nil, trace.Wrap(ioerr.ErrInvalidInput, "reading local input: %v", r.err)
	}
	if len(r.data) == 0 {
		s.rxShut = true
		return nil, nil
	}
	return r.data, nil
}

// Close shuts down the output side, if it supports it.
func (s *IOStream) Close(ctx context.Context) error {
	if c, ok := s.output.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RxClosed reports whether the input side has reached EOF.
func (s *IOStream) RxClosed() bool {
	return s.rxShut
}
