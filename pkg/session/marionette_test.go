package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeDevice is a loopback Marionette server backed by an in-memory settings map.
type fakeDevice struct {
	t  *testing.T
	ln net.Listener

	mu        sync.Mutex
	settings  map[string]any
	commands  []string
	rejectSet bool
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{t: t, ln: ln, settings: map[string]any{}}
	go d.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return d
}

func (d *fakeDevice) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	if err := writeFrame(conn, []byte(`{"applicationType":"gecko","marionetteProtocol":3}`)); err != nil {
		return
	}
	reader := bufio.NewReader(conn)
	for {
		raw, err := readFrame(reader)
		if err != nil {
			return
		}
		var req []json.RawMessage
		if err := json.Unmarshal(raw, &req); err != nil || len(req) != 4 {
			return
		}
		var id int
		var name string
		_ = json.Unmarshal(req[1], &id)
		_ = json.Unmarshal(req[2], &name)

		d.mu.Lock()
		d.commands = append(d.commands, name)
		var result any = map[string]any{}
		var failure any
		switch name {
		case cmdNewSession:
			result = map[string]any{"sessionId": "session-1", "capabilities": map[string]any{}}
		case cmdExecuteAsyncScript:
			var params struct {
				Args []any `json:"args"`
			}
			_ = json.Unmarshal(req[3], &params)
			key, _ := params.Args[0].(string)
			if len(params.Args) == 2 {
				d.settings[key] = params.Args[1]
				result = map[string]any{"value": !d.rejectSet}
			} else {
				result = map[string]any{"value": d.settings[key]}
			}
		case "unknown":
			failure = map[string]any{"error": "unknown command", "message": "no such command", "stacktrace": ""}
		}
		d.mu.Unlock()

		resp, _ := json.Marshal([]any{1, id, failure, result})
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func TestMarionetteSessionLifecycle(t *testing.T) {
	dev := newFakeDevice(t)
	ctx := context.Background()
	m := NewMarionette("serial-1", "127.0.0.1", dev.port())

	if err := m.WaitForPort(ctx, time.Second); err != nil {
		t.Fatalf("wait for port: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.SessionID() != "session-1" {
		t.Fatalf("unexpected session id %q", m.SessionID())
	}

	apn := []any{map[string]any{"carrier": "test", "apn": "internet"}}
	if err := m.SetSetting(ctx, "ril.data.apnSettings", apn); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	got, err := m.GetSetting(ctx, "ril.data.apnSettings")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	list, ok := got.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected setting value %#v", got)
	}

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("second cleanup should be a no-op: %v", err)
	}

	want := []string{cmdNewSession, cmdSetContext, cmdExecuteAsyncScript, cmdExecuteAsyncScript, cmdDeleteSession}
	seen := dev.seen()
	if len(seen) != len(want) {
		t.Fatalf("unexpected commands %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("command %d: want %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestMarionetteRejectedSetting(t *testing.T) {
	dev := newFakeDevice(t)
	dev.rejectSet = true
	ctx := context.Background()
	m := NewMarionette("serial-1", "127.0.0.1", dev.port())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Cleanup(ctx)
	if err := m.SetSetting(ctx, "devtools.debugger.remote-enabled", true); err == nil {
		t.Fatal("expected rejected setting error")
	}
}

func TestMarionetteProtocolError(t *testing.T) {
	dev := newFakeDevice(t)
	ctx := context.Background()
	m := NewMarionette("serial-1", "127.0.0.1", dev.port())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Cleanup(ctx)

	m.mu.Lock()
	err := m.call(ctx, "unknown", map[string]any{}, nil)
	m.mu.Unlock()
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != "unknown command" {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestSettingWithoutSession(t *testing.T) {
	m := NewMarionette("serial-1", "127.0.0.1", 1)
	if _, err := m.GetSetting(context.Background(), "x"); err == nil {
		t.Fatal("expected error without a started session")
	}
}

func TestWaitForPortTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := NewMarionette("serial-1", "127.0.0.1", port)
	m.PollInterval = 10 * time.Millisecond
	m.DialTimeout = 50 * time.Millisecond
	start := time.Now()
	if err := m.WaitForPort(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("wait for port did not honour timeout")
	}
}

func TestFrameRoundTripRejectsBadLength(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() { _, _ = client.Write([]byte("abc:{}")) }()
	if _, err := readFrame(bufio.NewReader(server)); err == nil {
		t.Fatal("expected invalid length error")
	}
}
