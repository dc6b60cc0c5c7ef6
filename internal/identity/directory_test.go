package identity

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

func TestRegisterLoginCreatesThenUpdates(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDirectory(st)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d.SetClock(func() time.Time { return first })

	id := domain.Identity{ID: "u1", DisplayName: "Alice", Email: "alice@x.io"}
	assert.Equal(t, nil, d.RegisterLogin(ctx, id))

	var p domain.Profile
	snap, _ := st.Read(ctx, "users/u1/profile")
	snap.Decode(&p)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, first.Format(time.RFC3339), p.CreatedAt)
	assert.Equal(t, first.Format(time.RFC3339), p.LastLogin)

	// A later login updates lastLogin and the denormalized fields, but
	// createdAt stays what it was.
	second := first.Add(48 * time.Hour)
	d.SetClock(func() time.Time { return second })
	id.DisplayName = "Alice B"
	assert.Equal(t, nil, d.RegisterLogin(ctx, id))

	snap, _ = st.Read(ctx, "users/u1/profile")
	snap.Decode(&p)
	assert.Equal(t, "Alice B", p.DisplayName)
	assert.Equal(t, first.Format(time.RFC3339), p.CreatedAt)
	assert.Equal(t, second.Format(time.RFC3339), p.LastLogin)
}

func seedDirectory(t *testing.T, d *Directory, users ...domain.Identity) {
	t.Helper()
	for _, u := range users {
		assert.Equal(t, nil, d.RegisterLogin(context.Background(), u))
	}
}

func TestSearchUsersMatchingAndExclusion(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDirectory(st)
	ctx := context.Background()

	seedDirectory(t, d,
		domain.Identity{ID: "u1", DisplayName: "Alice", Email: "alice@x.io"},
		domain.Identity{ID: "u2", DisplayName: "Alice M", Email: "alice.m@x.io"},
		domain.Identity{ID: "u3", DisplayName: "Bob", Email: "bob@ALICE-mail.io"},
		domain.Identity{ID: "u4", DisplayName: "Carol", Email: "carol@x.io"},
	)

	// Case-insensitive, matches display name or email, excludes the caller.
	hits, err := d.SearchUsers(ctx, "u1", "ALiCe")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(hits))
	assert.Equal(t, "u2", hits[0].ID) // matched via display name
	assert.Equal(t, "u3", hits[1].ID) // matched via email

	// Blank terms return nothing rather than everyone.
	hits, err = d.SearchUsers(ctx, "u1", "   ")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(hits))
}

func TestSearchUsersRelationAnnotation(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDirectory(st)
	ctx := context.Background()

	seedDirectory(t, d,
		domain.Identity{ID: "me", DisplayName: "Me", Email: "me@x.io"},
		domain.Identity{ID: "f1", DisplayName: "User One", Email: "one@x.io"},
		domain.Identity{ID: "f2", DisplayName: "User Two", Email: "two@x.io"},
		domain.Identity{ID: "f3", DisplayName: "User Three", Email: "three@x.io"},
		domain.Identity{ID: "f4", DisplayName: "User Four", Email: "four@x.io"},
	)

	st.Write(ctx, "users/me/friends/f1", map[string]any{"addedAt": 1})
	st.Write(ctx, "users/me/pendingRequests/f2", map[string]any{"timestamp": 1})
	st.Write(ctx, "users/me/friendRequests/f3", map[string]any{"from": "f3"})

	hits, err := d.SearchUsers(ctx, "me", "user")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(hits))

	rel := map[string]Relation{}
	for _, h := range hits {
		rel[h.ID] = h.Relation
	}
	assert.Equal(t, RelationFriend, rel["f1"])
	assert.Equal(t, RelationPendingOutgoing, rel["f2"])
	assert.Equal(t, RelationPendingIncoming, rel["f3"])
	assert.Equal(t, RelationNone, rel["f4"])
}
