// Package freshness consumes the backend's resource-updated events. The
// gateway uses them to invalidate its short-TTL response cache and to label
// cached data stale instead of success.
package freshness

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

// Event is the wire shape published by the backend when a resource changes.
type Event struct {
	Tenant    string `json:"tenant"`
	Resource  string `json:"resource"`
	UpdatedAt string `json:"updated_at"`
}

// Invalidator is notified when a resource's cached responses are outdated.
type Invalidator interface {
	Invalidate(ctx context.Context, tenant, resource string)
}

type InvalidatorFunc func(ctx context.Context, tenant, resource string)

func (f InvalidatorFunc) Invalidate(ctx context.Context, tenant, resource string) {
	f(ctx, tenant, resource)
}

type Tracker struct {
	mu      sync.RWMutex
	updated map[string]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{updated: map[string]time.Time{}}
}

func key(tenant, resource string) string { return tenant + "|" + resource }

// MarkUpdated records the newest known update time for a resource.
func (t *Tracker) MarkUpdated(tenant, resource string, at time.Time) {
	if resource == "" {
		return
	}
	t.mu.Lock()
	if existing, ok := t.updated[key(tenant, resource)]; !ok || at.After(existing) {
		t.updated[key(tenant, resource)] = at
	}
	t.mu.Unlock()
}

// UpdatedSince reports whether the resource changed after the given time. A
// resource with no recorded event has not been observed changing.
func (t *Tracker) UpdatedSince(tenant, resource string, since time.Time) bool {
	t.mu.RLock()
	at, ok := t.updated[key(tenant, resource)]
	t.mu.RUnlock()
	return ok && at.After(since)
}

// Run drains the consumer until the context ends, feeding the tracker and
// the invalidator. Malformed events are logged and skipped; the loop never
// dies on bad input.
func (t *Tracker) Run(ctx context.Context, consumer Consumer, inv Invalidator) error {
	if consumer == nil {
		return errors.New("consumer required")
	}
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("freshness: skipping malformed event: %v", err)
			continue
		}
		if evt.Resource == "" {
			continue
		}
		at := time.Now().UTC()
		if parsed, err := time.Parse(time.RFC3339, evt.UpdatedAt); err == nil {
			at = parsed.UTC()
		}
		t.MarkUpdated(evt.Tenant, evt.Resource, at)
		if inv != nil {
			inv.Invalidate(ctx, evt.Tenant, evt.Resource)
		}
	}
}
