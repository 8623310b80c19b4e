package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samcat116/strato/internal/events"
)

type stubNotifier struct {
	name string
	err  error
	sent []events.Event
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Send(_ context.Context, evt events.Event) error {
	s.sent = append(s.sent, evt)
	return s.err
}

func testEvent(t events.EventType) events.Event {
	return events.Event{
		Type:      t,
		VMID:      "vm-1",
		ProjectID: "proj-1",
		State:     "running",
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestMultiDispatchesAll(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	m := NewMulti(slog.New(slog.DiscardHandler), a, b)

	if !m.Notify(context.Background(), testEvent(events.EventVMStateChange)) {
		t.Fatal("Notify() = false, want true")
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("sent a=%d b=%d, want 1 each", len(a.sent), len(b.sent))
	}
	if a.sent[0].VMID != "vm-1" {
		t.Errorf("vm = %q, want vm-1", a.sent[0].VMID)
	}
}

func TestMultiContinuesPastFailure(t *testing.T) {
	failing := &stubNotifier{name: "broken", err: errors.New("connection refused")}
	ok := &stubNotifier{name: "ok"}
	m := NewMulti(slog.New(slog.DiscardHandler), failing, ok)

	if !m.Notify(context.Background(), testEvent(events.EventVMFailed)) {
		t.Fatal("Notify() = false, want true with one working provider")
	}
	if len(ok.sent) != 1 {
		t.Fatalf("ok notifier: got %d events, want 1", len(ok.sent))
	}
}

func TestMultiAllFailing(t *testing.T) {
	failing := &stubNotifier{name: "broken", err: errors.New("boom")}
	m := NewMulti(slog.New(slog.DiscardHandler), failing)

	if m.Notify(context.Background(), testEvent(events.EventVMFailed)) {
		t.Fatal("Notify() = true, want false when every provider fails")
	}
}

func TestFilteredPassesAllowedTypes(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	f := Filtered(inner, events.EventVMFailed, events.EventQuotaExceeded)

	_ = f.Send(context.Background(), testEvent(events.EventVMFailed))
	_ = f.Send(context.Background(), testEvent(events.EventVMStateChange))

	if len(inner.sent) != 1 {
		t.Fatalf("got %d events, want 1", len(inner.sent))
	}
	if inner.sent[0].Type != events.EventVMFailed {
		t.Errorf("type = %q, want vm_failed", inner.sent[0].Type)
	}
}

func TestFilteredEmptySetPassesEverything(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	f := Filtered(inner)

	_ = f.Send(context.Background(), testEvent(events.EventVMScheduled))
	_ = f.Send(context.Background(), testEvent(events.EventAgentOffline))

	if len(inner.sent) != 2 {
		t.Fatalf("got %d events, want 2", len(inner.sent))
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	inner := &stubNotifier{name: "inner"}
	m := NewMulti(slog.New(slog.DiscardHandler), inner)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	// Give the subscriber a moment to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(testEvent(events.EventVMScheduled))
		time.Sleep(10 * time.Millisecond)
		if len(inner.sent) > 0 || time.Now().After(deadline) {
			break
		}
	}
	cancel()
	<-done

	if len(inner.sent) == 0 {
		t.Fatal("no events forwarded from bus")
	}
}

func TestWebhookSendsBodyAndHeaders(t *testing.T) {
	var received events.Event
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer secret123"})
	if err := wh.Send(context.Background(), testEvent(events.EventVMStateChange)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer secret123" {
		t.Errorf("Authorization = %q, want 'Bearer secret123'", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if received.VMID != "vm-1" || received.Type != events.EventVMStateChange {
		t.Errorf("received = %+v, want vm-1 vm_state_change", received)
	}
}

func TestWebhookReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	if err := wh.Send(context.Background(), testEvent(events.EventVMFailed)); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
