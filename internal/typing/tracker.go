// Package typing tracks ephemeral typing indicators. A marker is live for
// TTL milliseconds after its last refresh; staleness is evaluated lazily by
// every reader against its own clock, and nothing sweeps expired markers —
// absence is the default state, and a stale marker is indistinguishable from
// an absent one to observers.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// DefaultTTL is the visibility window for a marker after its last refresh.
const DefaultTTL = 5000 * time.Millisecond

type Tracker struct {
	store store.Store
	ttl   time.Duration
	clock func() time.Time
}

func NewTracker(st store.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: st, ttl: ttl, clock: time.Now}
}

// SetClock overrides the observer clock. Tests only.
func (t *Tracker) SetClock(clock func() time.Time) { t.clock = clock }

func markerPath(scope, actor string) store.Path {
	return store.Join("typing", scope, actor)
}

// StartTyping writes (or refreshes) the actor's marker under the scope.
func (t *Tracker) StartTyping(ctx context.Context, scope, actorID string, isGroup bool) error {
	marker := domain.TypingMarker{Timestamp: t.clock().UnixMilli(), IsGroup: isGroup}
	if err := t.store.Write(ctx, markerPath(scope, actorID), marker); err != nil {
		return fmt.Errorf("write typing marker: %w", err)
	}
	return nil
}

// StopTyping deletes the actor's marker.
func (t *Tracker) StopTyping(ctx context.Context, scope, actorID string) error {
	if err := t.store.Delete(ctx, markerPath(scope, actorID)); err != nil {
		return fmt.Errorf("delete typing marker: %w", err)
	}
	return nil
}

// Active reads the scope and returns only the markers still inside the TTL
// window at this observer's clock.
func (t *Tracker) Active(ctx context.Context, scope string) (map[string]domain.TypingMarker, error) {
	snap, err := t.store.Read(ctx, store.Join("typing", scope))
	if err != nil {
		return nil, fmt.Errorf("read typing scope: %w", err)
	}
	now := t.clock().UnixMilli()
	out := make(map[string]domain.TypingMarker)
	for actor, raw := range snap.Children() {
		var m domain.TypingMarker
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if t.fresh(m, now) {
			out[actor] = m
		}
	}
	return out, nil
}

// Prune filters a raw typing-scope snapshot (as delivered on a subscription)
// down to its live markers. Nil means no live markers.
func (t *Tracker) Prune(value json.RawMessage) json.RawMessage {
	if len(value) == 0 {
		return nil
	}
	var markers map[string]json.RawMessage
	if err := json.Unmarshal(value, &markers); err != nil {
		return nil
	}
	now := t.clock().UnixMilli()
	live := make(map[string]json.RawMessage)
	for actor, raw := range markers {
		var m domain.TypingMarker
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if t.fresh(m, now) {
			live[actor] = raw
		}
	}
	if len(live) == 0 {
		return nil
	}
	out, err := json.Marshal(live)
	if err != nil {
		return nil
	}
	return out
}

// fresh is the one staleness rule: strictly less than TTL since the last
// refresh is live, everything else is stale.
func (t *Tracker) fresh(m domain.TypingMarker, nowMillis int64) bool {
	return nowMillis-m.Timestamp < t.ttl.Milliseconds()
}
