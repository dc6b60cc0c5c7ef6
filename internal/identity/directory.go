package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// Directory maintains the denormalized profile tree and serves user search.
type Directory struct {
	store store.Store
	clock func() time.Time
}

func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st, clock: time.Now}
}

// SetClock overrides the clock. Tests only.
func (d *Directory) SetClock(clock func() time.Time) { d.clock = clock }

// RegisterLogin upserts the profile copy for an identity and bumps
// lastLogin; createdAt is written once, on first sight.
func (d *Directory) RegisterLogin(ctx context.Context, id domain.Identity) error {
	profilePath := store.Join("users", id.ID, "profile")
	now := d.clock().UTC().Format(time.RFC3339)

	fields := map[string]any{
		"displayName": id.DisplayName,
		"email":       id.Email,
		"lastLogin":   now,
	}
	snap, err := d.store.Read(ctx, profilePath)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	if !snap.Exists {
		fields["createdAt"] = now
	}
	if err := d.store.Patch(ctx, profilePath, fields); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Relation describes how a search hit relates to the caller, so clients can
// hide users who are already friends or already asked.
type Relation string

const (
	RelationNone            Relation = "none"
	RelationFriend          Relation = "friend"
	RelationPendingOutgoing Relation = "pending_outgoing"
	RelationPendingIncoming Relation = "pending_incoming"
)

// SearchHit is one search result.
type SearchHit struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Relation    Relation `json:"relation"`
}

// SearchUsers matches the term case-insensitively against display names and
// emails, excluding the caller. Results are annotated with the caller's
// relationship to each hit and sorted by display name for stable output.
func (d *Directory) SearchUsers(ctx context.Context, callerID, term string) ([]SearchHit, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, nil
	}

	usersSnap, err := d.store.Read(ctx, store.Path("users"))
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}

	callerFriends := d.childKeys(ctx, store.Join("users", callerID, "friends"))
	callerPending := d.childKeys(ctx, store.Join("users", callerID, "pendingRequests"))
	callerIncoming := d.childKeys(ctx, store.Join("users", callerID, "friendRequests"))

	var hits []SearchHit
	for uid, raw := range usersSnap.Children() {
		if uid == callerID {
			continue
		}
		var node struct {
			Profile domain.Profile `json:"profile"`
		}
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		p := node.Profile
		if !strings.Contains(strings.ToLower(p.DisplayName), term) &&
			!strings.Contains(strings.ToLower(p.Email), term) {
			continue
		}

		rel := RelationNone
		switch {
		case callerFriends[uid]:
			rel = RelationFriend
		case callerPending[uid]:
			rel = RelationPendingOutgoing
		case callerIncoming[uid]:
			rel = RelationPendingIncoming
		}
		hits = append(hits, SearchHit{
			ID:          uid,
			DisplayName: p.DisplayName,
			Email:       p.Email,
			Relation:    rel,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DisplayName != hits[j].DisplayName {
			return hits[i].DisplayName < hits[j].DisplayName
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func (d *Directory) childKeys(ctx context.Context, p store.Path) map[string]bool {
	out := make(map[string]bool)
	snap, err := d.store.Read(ctx, p)
	if err != nil {
		return out
	}
	for k := range snap.Children() {
		out[k] = true
	}
	return out
}
