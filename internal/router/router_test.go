package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adred-codev/moo/internal/wire"
)

type fakeSender struct {
	sent [][]byte
	fail error
}

func (f *fakeSender) Send(b []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, b)
	return nil
}

func newTestRouter() *Router {
	return New(Config{})
}

func TestRequestIDsStartAtTenAndIncrement(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	ctx := context.Background()
	c1, err := r.Request(ctx, "svc:1/method", nil)
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := r.Request(ctx, "svc:1/method", nil)
	_ = c1
	_ = c2

	if r.PendingCount() != 2 {
		t.Fatalf("pending count = %d, want 2", r.PendingCount())
	}
	for i, want := range []uint64{10, 11} {
		f, ok := wire.Parse(sender.sent[i])
		if !ok || f.RequestID != want {
			t.Fatalf("request %d id = %d (ok=%v), want %d", i, f.RequestID, ok, want)
		}
	}
}

func TestSubscriptionKeysStartAtZero(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	if err := r.Subscribe(context.Background(), "com.roonlabs.transport:2", "zones", nil); err != nil {
		t.Fatal(err)
	}

	f, ok := wire.Parse(sender.sent[0])
	if !ok {
		t.Fatal("failed to parse encoded subscribe frame")
	}
	var body map[string]any
	if err := f.DecodeJSON(&body); err != nil {
		t.Fatal(err)
	}
	if body["subscription_key"].(float64) != 0 {
		t.Fatalf("first subscription key = %v, want 0", body["subscription_key"])
	}
	if f.Name != "com.roonlabs.transport:2/subscribe_zones" {
		t.Fatalf("uri = %q", f.Name)
	}
}

func TestRegisterHandshakeScenario(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	completion, err := r.Request(context.Background(), "com.roonlabs.registry:1/register", map[string]any{"extension_id": "x"})
	if err != nil {
		t.Fatal(err)
	}

	f, ok := wire.Parse(sender.sent[0])
	if !ok || f.RequestID != 10 {
		t.Fatalf("expected first request id to be 10, got frame %+v ok=%v", f, ok)
	}

	body, _ := json.Marshal(map[string]any{"core_id": "abc", "display_name": "X", "token": "tok"})
	contFrame, err := wire.EncodeResponse(wire.VerbContinue, "Registered", f.RequestID, json.RawMessage(body))
	if err != nil {
		t.Fatal(err)
	}
	decoded, ok := wire.Parse(contFrame)
	if !ok {
		t.Fatal("failed to parse synthesized Registered frame")
	}
	r.HandleFrame(context.Background(), decoded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := completion.Wait(ctx)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(got, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["core_id"] != "abc" || payload["token"] != "tok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestZonesSubscriptionScenario(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	if err := r.Subscribe(context.Background(), "com.roonlabs.transport:2", "zones", nil); err != nil {
		t.Fatal(err)
	}
	reqFrame, _ := wire.Parse(sender.sent[0])

	subscribedBody, _ := json.Marshal(map[string]any{"zones": []any{"z1"}})
	subFrame, _ := wire.EncodeResponse(wire.VerbContinue, "Subscribed", reqFrame.RequestID, json.RawMessage(subscribedBody))
	f1, _ := wire.Parse(subFrame)
	r.HandleFrame(context.Background(), f1)

	changedBody, _ := json.Marshal(map[string]any{"zones_changed": []any{"z1"}})
	changedFrame, _ := wire.EncodeResponse(wire.VerbContinue, "Changed", reqFrame.RequestID, json.RawMessage(changedBody))
	f2, _ := wire.Parse(changedFrame)
	r.HandleFrame(context.Background(), f2)

	ev1 := <-r.Events()
	if ev1.Kind != ZonesSubscribed {
		t.Fatalf("first event kind = %v, want ZonesSubscribed", ev1.Kind)
	}
	ev2 := <-r.Events()
	if ev2.Kind != ZonesChanged {
		t.Fatalf("second event kind = %v, want ZonesChanged", ev2.Kind)
	}
}

func TestDisconnectWhilePendingFailsExactlyOnceAndClearsTable(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	completion, err := r.Request(context.Background(), "svc:1/method", nil)
	if err != nil {
		t.Fatal(err)
	}

	r.FailPending()

	if r.PendingCount() != 0 {
		t.Fatalf("pending count after FailPending = %d, want 0", r.PendingCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = completion.Wait(ctx)
	if err != ErrDisconnected {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestTimeoutDoesNotRemovePendingEntry(t *testing.T) {
	r := newTestRouter()
	r.Attach(&fakeSender{}, nil)

	completion, err := r.Request(context.Background(), "svc:1/method", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := completion.Wait(ctx); err == nil {
		t.Fatal("expected timeout error")
	}

	if r.PendingCount() != 1 {
		t.Fatalf("pending count after caller timeout = %d, want 1 (late response must still be deliverable)", r.PendingCount())
	}
}

func TestRequestFailureDoesNotAffectOtherPending(t *testing.T) {
	r := newTestRouter()
	sender := &fakeSender{}
	r.Attach(sender, nil)

	c1, _ := r.Request(context.Background(), "svc:1/a", nil)
	c2, _ := r.Request(context.Background(), "svc:1/b", nil)

	f1, _ := wire.Parse(sender.sent[0])
	failFrame, _ := wire.EncodeResponse(wire.VerbComplete, "NotValid", f1.RequestID, nil)
	decoded, _ := wire.Parse(failFrame)
	r.HandleFrame(context.Background(), decoded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c1.Wait(ctx); err == nil {
		t.Fatal("expected request failure")
	}

	if r.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1 (c2 still outstanding)", r.PendingCount())
	}
	_ = c2
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	r := newTestRouter()
	r.Attach(&fakeSender{}, nil)

	completion, _ := r.Request(context.Background(), "svc:1/method", nil)
	time.Sleep(5 * time.Millisecond)

	removed := r.Sweep(1 * time.Millisecond)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if r.PendingCount() != 0 {
		t.Fatal("expected pending table cleared")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := completion.Wait(ctx); err != ErrDisconnected {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}
