package moo

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/moo/internal/wire"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// fakeCore is a minimal single-connection WebSocket server standing in
// for the Core during connection-level tests: it upgrades one inbound
// connection and lets the test read/write wire frames directly.
type fakeCore struct {
	ln   net.Listener
	port int
	conn net.Conn
}

func startFakeCore(t *testing.T) *fakeCore {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeCore{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := ws.Upgrade(conn); err != nil {
			conn.Close()
			return
		}
		accepted <- conn
	}()

	t.Cleanup(func() { ln.Close() })

	select {
	case fc.conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("fake core: no inbound connection accepted in time")
	}
	return fc
}

func (fc *fakeCore) readFrame(t *testing.T) wire.Frame {
	t.Helper()
	data, _, err := wsutil.ReadClientData(fc.conn)
	if err != nil {
		t.Fatalf("fake core: read client frame: %v", err)
	}
	f, ok := wire.Parse(data)
	if !ok {
		t.Fatalf("fake core: failed to parse client frame: %q", data)
	}
	return f
}

func (fc *fakeCore) writeResponse(t *testing.T, verb wire.Verb, name string, requestID uint64, body any) {
	t.Helper()
	frame, err := wire.EncodeResponse(verb, name, requestID, body)
	if err != nil {
		t.Fatalf("fake core: encode response: %v", err)
	}
	if err := wsutil.WriteServerMessage(fc.conn, ws.OpBinary, frame); err != nil {
		t.Fatalf("fake core: write response: %v", err)
	}
}

func testConfig(port int) ConnectionConfig {
	return ConnectionConfig{
		Host:               "127.0.0.1",
		Port:               port,
		Identity:           ExtensionIdentity{ID: "com.example.test", DisplayName: "Test Extension", Version: "1.0.0"},
		RequestTimeout:      2 * time.Second,
		HandshakeTimeout:    2 * time.Second,
		AutoReconnect:       true,
		InitialBackoff:      10 * time.Millisecond,
		MaxBackoff:          50 * time.Millisecond,
		BroadcastWorkers:    2,
		BroadcastQueueSize:  16,
		EventsBufferSize:    32,
		LogLevel:            "error",
		LogFormat:           "json",
	}
}

func TestRegisterHandshakeScenario(t *testing.T) {
	fc := startFakeCore(t)
	conn := New(testConfig(fc.port), zerolog.Nop())
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- conn.Start(context.Background()) }()

	req := fc.readFrame(t)
	if req.Verb != wire.VerbRequest || req.Name != registryServicePath || req.RequestID != 10 {
		t.Fatalf("unexpected registration request: %+v", req)
	}

	fc.writeResponse(t, wire.VerbContinue, "Registered", req.RequestID, map[string]any{
		"core_id":      "abc",
		"display_name": "X",
		"token":        "tok",
	})

	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if conn.Status() != StateConnected {
		t.Fatalf("expected Connected, got %s", conn.Status())
	}

	select {
	case ev := <-conn.Events():
		if ev.Kind != Registered {
			t.Fatalf("expected Registered event, got %v", ev.Kind)
		}
		data := ev.Data.(RegisteredData)
		if data.CoreID != "abc" || data.DisplayName != "X" {
			t.Fatalf("unexpected registered data: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Registered event")
	}

	conn.mu.Lock()
	token := conn.token
	conn.mu.Unlock()
	if token != "tok" {
		t.Fatalf("expected stored token %q, got %q", "tok", token)
	}
}

func TestPingRespondsFromCoreRequest(t *testing.T) {
	fc := startFakeCore(t)
	conn := New(testConfig(fc.port), zerolog.Nop())
	defer conn.Close()

	go conn.Start(context.Background())

	req := fc.readFrame(t)
	fc.writeResponse(t, wire.VerbContinue, "Registered", req.RequestID, map[string]any{"core_id": "abc", "display_name": "X"})

	pingFrame, err := wire.EncodeRequest(3, "com.roonlabs.ping:1/ping", nil)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if err := wsutil.WriteServerMessage(fc.conn, ws.OpBinary, pingFrame); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	resp := fc.readFrame(t)
	if resp.Verb != wire.VerbComplete || resp.Name != "Success" || resp.RequestID != 3 {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestZonesSubscriptionScenario(t *testing.T) {
	fc := startFakeCore(t)
	conn := New(testConfig(fc.port), zerolog.Nop())
	defer conn.Close()

	go conn.Start(context.Background())

	regReq := fc.readFrame(t)
	fc.writeResponse(t, wire.VerbContinue, "Registered", regReq.RequestID, map[string]any{"core_id": "abc", "display_name": "X"})
	<-conn.Events() // drain Registered

	if err := conn.Subscribe(context.Background(), "com.roonlabs.transport:2", "zones", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subReq := fc.readFrame(t)
	if subReq.Name != "com.roonlabs.transport:2/subscribe_zones" {
		t.Fatalf("unexpected subscribe request name: %s", subReq.Name)
	}
	var subBody struct {
		SubscriptionKey float64 `json:"subscription_key"`
	}
	if err := json.Unmarshal(subReq.Body, &subBody); err != nil {
		t.Fatalf("decode subscribe body: %v", err)
	}
	if subBody.SubscriptionKey != 0 {
		t.Fatalf("expected subscription_key 0, got %v", subBody.SubscriptionKey)
	}

	fc.writeResponse(t, wire.VerbContinue, "Subscribed", subReq.RequestID, map[string]any{"zones": []any{}})
	fc.writeResponse(t, wire.VerbContinue, "Changed", subReq.RequestID, map[string]any{"zones_changed": []any{}})

	first := <-conn.Events()
	second := <-conn.Events()
	if first.Kind != ZonesSubscribed {
		t.Fatalf("expected ZonesSubscribed first, got %v", first.Kind)
	}
	if second.Kind != ZonesChanged {
		t.Fatalf("expected ZonesChanged second, got %v", second.Kind)
	}
}

func TestDisconnectWhilePendingEmitsReconnecting(t *testing.T) {
	fc := startFakeCore(t)
	cfg := testConfig(fc.port)
	conn := New(cfg, zerolog.Nop())
	defer conn.Close()

	go conn.Start(context.Background())
	regReq := fc.readFrame(t)
	fc.writeResponse(t, wire.VerbContinue, "Registered", regReq.RequestID, map[string]any{"core_id": "abc", "display_name": "X"})
	<-conn.Events() // Registered

	reqDone := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), "com.example/do_thing", nil)
		reqDone <- err
	}()
	fc.readFrame(t) // drain the outbound request

	fc.conn.Close() // simulate the socket dropping mid-flight

	if err := <-reqDone; err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	select {
	case ev := <-conn.Events():
		if ev.Kind != Disconnected {
			t.Fatalf("expected Disconnected event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Disconnected event")
	}

	select {
	case ev := <-conn.Events():
		if ev.Kind != Reconnecting {
			t.Fatalf("expected Reconnecting event, got %v", ev.Kind)
		}
		data := ev.Data.(ReconnectingData)
		if data.Attempt != 1 || data.BackoffMS != cfg.InitialBackoff.Milliseconds() {
			t.Fatalf("unexpected reconnecting data: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Reconnecting event")
	}
}
