package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/savecontext/savecontext/internal/debug"
)

// maxFrameBytes bounds one request line.
const maxFrameBytes = 4 << 20

// ServeStdio runs the newline-framed tool loop over stdin/stdout until EOF
// or cancellation. The stdio transport serves exactly one caller, rooted
// at workDir.
func (s *Server) ServeStdio(ctx context.Context, workDir string) error {
	return s.serveStream(ctx, os.Stdin, os.Stdout, workDir)
}

func (s *Server) serveStream(ctx context.Context, r io.Reader, w io.Writer, workDir string) error {
	conn := s.NewConn(workDir)
	defer conn.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp *Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp, _ = encode(fail(fmt.Errorf("malformed request: %w", err)))
		} else {
			resp = conn.Handle(ctx, &req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			debug.Logf("rpc: response marshal failed: %v", err)
			continue
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("failed to flush response: %w", err)
		}
	}
	return scanner.Err()
}

// ServeSocket accepts connections on a unix socket, one request loop per
// connection. Used by the CLI and status tooling while serve is running.
func (s *Server) ServeSocket(ctx context.Context, path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to bind socket %s: %w", path, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socket accept failed: %w", err)
		}
		go func(nc net.Conn) {
			defer func() { _ = nc.Close() }()
			if err := s.serveStream(ctx, nc, nc, ""); err != nil {
				debug.Logf("rpc: socket connection ended: %v", err)
			}
		}(conn)
	}
}

// Call sends one request over a reader/writer pair and decodes the
// envelope. Used by the CLI talking to a running serve process.
func Call(r io.Reader, w io.Writer, req *Request) (*Envelope, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed before response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(resp.Content[0].Text), &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &env, nil
}

// Dial connects to a running serve process's unix socket.
func Dial(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("no running server at %s: %w", path, err)
	}
	return conn, nil
}
