package store

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"chatsync/internal/domain"
)

func TestMemoryStoreReadAbsent(t *testing.T) {
	s := NewMemoryStore()

	snap, err := s.Read(context.Background(), "users/u1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, snap.Exists)
	assert.Equal(t, 0, len(snap.Value))
}

func TestMemoryStoreWriteRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Write(ctx, "users/u1/profile", map[string]any{"displayName": "Alice"})
	assert.Equal(t, nil, err)

	snap, err := s.Read(ctx, "users/u1/profile")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snap.Exists)

	var p struct {
		DisplayName string `json:"displayName"`
	}
	assert.Equal(t, nil, snap.Decode(&p))
	assert.Equal(t, "Alice", p.DisplayName)

	// Subtree read sees the child nested.
	parent, err := s.Read(ctx, "users/u1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, parent.Exists)
	_, ok := parent.Children()["profile"]
	assert.Equal(t, true, ok)
}

func TestMemoryStorePatchMergesFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Write(ctx, "users/u1/profile", map[string]any{"displayName": "Alice", "email": "a@x.io"})
	err := s.Patch(ctx, "users/u1/profile", map[string]any{"email": "alice@x.io"})
	assert.Equal(t, nil, err)

	var p struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	}
	snap, _ := s.Read(ctx, "users/u1/profile")
	snap.Decode(&p)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, "alice@x.io", p.Email)
}

func TestMemoryStorePatchNilFieldDeletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Write(ctx, "typing/c1/u1", map[string]any{"timestamp": 1, "isGroup": false})
	s.Patch(ctx, "typing/c1", map[string]any{"u1": nil})

	snap, _ := s.Read(ctx, "typing/c1/u1")
	assert.Equal(t, false, snap.Exists)
}

func TestMemoryStoreDeletePrunesEmptyParents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Write(ctx, "users/u1/friends/u2", map[string]any{"addedAt": 1})
	s.Delete(ctx, "users/u1/friends/u2")

	snap, _ := s.Read(ctx, "users/u1/friends")
	assert.Equal(t, false, snap.Exists)
	snap, _ = s.Read(ctx, "users/u1")
	assert.Equal(t, false, snap.Exists)
}

func TestMemoryStorePutNilDeletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Write(ctx, "users/u1/profile", map[string]any{"displayName": "Alice"})
	s.Write(ctx, "users/u1/profile", nil)

	snap, _ := s.Read(ctx, "users/u1/profile")
	assert.Equal(t, false, snap.Exists)
}

func TestMemoryStoreCommitAtomicOnBadPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Commit(ctx, []Op{
		Put("users/u1/friends/u2", map[string]any{"addedAt": 1}),
		Put("users//friends", map[string]any{}),
	})
	if !errors.Is(err, domain.ErrInvalidPath) {
		t.Fatalf("Commit = %v, want ErrInvalidPath", err)
	}

	// Nothing from the batch landed.
	snap, _ := s.Read(ctx, "users/u1/friends/u2")
	assert.Equal(t, false, snap.Exists)
	assert.Equal(t, uint64(0), s.Seq())
}

func TestMemoryStoreSinkSeesCommitOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var events []Event
	s.SetSink(func(ev Event) { events = append(events, ev) })

	s.Write(ctx, "a/b", 1)
	s.Commit(ctx, []Op{
		Put("c/d", 2),
		Delete("a/b"),
	})

	assert.Equal(t, 2, len(events))
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, []Path{"a/b"}, events[0].Paths)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, []Path{"c/d", "a/b"}, events[1].Paths)
	assert.Equal(t, uint64(2), s.Seq())
}

func TestMemoryStoreVersionsAdvancePerPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Write(ctx, "a/b", 1)
	s.Write(ctx, "a/c", 2)
	s.Write(ctx, "a/b", 3)

	snap, _ := s.Read(ctx, "a/b")
	assert.Equal(t, uint64(3), snap.Version)
	snap, _ = s.Read(ctx, "a/c")
	assert.Equal(t, uint64(2), snap.Version)
}
