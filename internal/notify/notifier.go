// Package notify forwards control-plane events to external systems:
// structured logs, generic webhooks, and MQTT. Delivery is best-effort;
// a failing provider never blocks the control plane.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samcat116/strato/internal/events"
)

// Notifier sends a single event to an external system.
type Notifier interface {
	Send(ctx context.Context, evt events.Event) error
	Name() string
}

// sendTimeout bounds each provider delivery so one slow endpoint cannot
// stall the fan-out loop.
const sendTimeout = 10 * time.Second

// Multi fans events out to multiple notifiers. Failures are logged and
// never propagated.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       *slog.Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log *slog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{
		notifiers: notifiers,
		log:       log.With("component", "notify"),
	}
}

// Notify delivers an event to every registered notifier. Returns true if at
// least one delivery succeeded, or no notifiers are configured.
func (m *Multi) Notify(ctx context.Context, evt events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.Send(sctx, evt)
		cancel()
		if err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(evt.Type),
				"error", err,
			)
			continue
		}
		anyOK = true
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

// Run subscribes to the bus and forwards events until ctx is cancelled.
func (m *Multi) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.Notify(ctx, evt)
		}
	}
}

// Filtered wraps a notifier and only forwards events whose type is in the
// allowed set. An empty set passes everything through.
func Filtered(inner Notifier, types ...events.EventType) Notifier {
	allowed := make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return &filteredNotifier{inner: inner, allowed: allowed}
}

type filteredNotifier struct {
	inner   Notifier
	allowed map[events.EventType]struct{}
}

func (f *filteredNotifier) Name() string { return f.inner.Name() }

func (f *filteredNotifier) Send(ctx context.Context, evt events.Event) error {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[evt.Type]; !ok {
			return nil
		}
	}
	return f.inner.Send(ctx, evt)
}
