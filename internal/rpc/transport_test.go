package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/savecontext/savecontext/internal/storage/sqlite"
)

func TestServeStreamRoundTrip(t *testing.T) {
	t.Setenv("SAVECONTEXT_AGENT_ID", "test-agent")
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(store, Options{})

	in := strings.NewReader(
		`{"name":"initialize","arguments":{"client_info":{"name":"cursor","version":"1.0"}}}` + "\n" +
			`{"name":"get_stats"}` + "\n" +
			`not json` + "\n")
	var out bytes.Buffer
	if err := srv.serveStream(ctx, in, &out, t.TempDir()); err != nil {
		t.Fatalf("serveStream failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d response lines, want 3", len(lines))
	}

	decode := func(line string) *Envelope {
		t.Helper()
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line: %v", err)
		}
		var env Envelope
		if err := json.Unmarshal([]byte(resp.Content[0].Text), &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		return &env
	}

	init := decode(lines[0])
	if !init.Success {
		t.Errorf("initialize failed: %+v", init.Error)
	}
	stats := decode(lines[1])
	if !stats.Success {
		t.Errorf("get_stats failed: %+v", stats.Error)
	}
	bad := decode(lines[2])
	if bad.Success {
		t.Error("malformed request should fail")
	}
}

func TestCallHelper(t *testing.T) {
	t.Setenv("SAVECONTEXT_AGENT_ID", "test-agent")
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(store, Options{})

	// Run the request through the stream, then decode it with Call.
	var serverOut, clientOut bytes.Buffer
	reqData, _ := json.Marshal(&Request{Name: OpGetStats})
	in := bytes.NewReader(append(reqData, '\n'))
	if err := srv.serveStream(ctx, in, &serverOut, ""); err != nil {
		t.Fatalf("serveStream failed: %v", err)
	}

	env, err := Call(bytes.NewReader(serverOut.Bytes()), &clientOut, &Request{Name: OpGetStats})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !env.Success {
		t.Errorf("envelope = %+v", env)
	}
}
