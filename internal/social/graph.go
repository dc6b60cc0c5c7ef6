// Package social owns the relationship state machines: friend requests and
// edges, groups, invites and membership. Every transition that touches two
// logical locations (both sides of a friendship, a group's member list plus
// the member's own index) commits as one atomic multi-path batch, so no
// subscriber ever observes a half-applied relationship.
package social

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// Graph is the Social Graph Manager. A single mutex serializes its
// read-validate-commit cycles; the commits themselves are cheap in-memory or
// single-transaction writes, so coarse locking here is the simple way to
// keep two racing requests from both passing validation.
type Graph struct {
	store store.Store
	log   *zap.Logger
	clock func() time.Time

	mu sync.Mutex
}

func NewGraph(st store.Store, log *zap.Logger) *Graph {
	return &Graph{store: st, log: log, clock: time.Now}
}

// SetClock overrides the commit clock. Tests only.
func (g *Graph) SetClock(clock func() time.Time) { g.clock = clock }

func userPath(uid string, rest ...string) store.Path {
	return store.Join(append([]string{"users", uid}, rest...)...)
}

func (g *Graph) exists(ctx context.Context, p store.Path) (bool, error) {
	snap, err := g.store.Read(ctx, p)
	if err != nil {
		return false, err
	}
	return snap.Exists, nil
}

func (g *Graph) profile(ctx context.Context, uid string) (*domain.Profile, error) {
	snap, err := g.store.Read(ctx, userPath(uid, "profile"))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("user %s: %w", uid, domain.ErrUserNotFound)
	}
	var p domain.Profile
	if err := snap.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SendFriendRequest moves (from,to) from none to pending. The request is
// written on the target's side and mirrored under the requester's own
// pendingRequests index in the same commit.
func (g *Graph) SendFriendRequest(ctx context.Context, from domain.Identity, to string) error {
	if from.ID == to {
		return domain.ErrSelfRequest
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.profile(ctx, to); err != nil {
		return err
	}

	friends, err := g.exists(ctx, userPath(from.ID, "friends", to))
	if err != nil {
		return err
	}
	if friends {
		return domain.ErrAlreadyFriends
	}

	// Outstanding in either direction blocks a new request.
	for _, p := range []store.Path{
		userPath(to, "friendRequests", from.ID),
		userPath(from.ID, "friendRequests", to),
	} {
		pending, err := g.exists(ctx, p)
		if err != nil {
			return err
		}
		if pending {
			return domain.ErrAlreadyPending
		}
	}

	now := g.clock().UnixMilli()
	ops := []store.Op{
		store.Put(userPath(to, "friendRequests", from.ID), domain.FriendRequest{
			From:            from.ID,
			FromDisplayName: from.DisplayName,
			FromEmail:       from.Email,
			Timestamp:       now,
			Status:          domain.StatusPending,
		}),
		store.Put(userPath(from.ID, "pendingRequests", to), domain.PendingRequest{
			To:        to,
			Timestamp: now,
			Status:    domain.StatusPending,
		}),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit friend request: %w", err)
	}
	return nil
}

// AcceptFriendRequest is callable only by the request's target. One commit
// creates both directed edges and deletes both request records; there is no
// intermediate state where exactly one edge exists.
func (g *Graph) AcceptFriendRequest(ctx context.Context, target domain.Identity, from string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	reqPath := userPath(target.ID, "friendRequests", from)
	snap, err := g.store.Read(ctx, reqPath)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("accept %s->%s: %w", from, target.ID, domain.ErrRequestNotFound)
	}
	var req domain.FriendRequest
	if err := snap.Decode(&req); err != nil {
		return err
	}

	now := g.clock().UnixMilli()
	ops := []store.Op{
		store.Put(userPath(target.ID, "friends", from), domain.Friend{
			DisplayName: req.FromDisplayName,
			Email:       req.FromEmail,
			AddedAt:     now,
		}),
		store.Put(userPath(from, "friends", target.ID), domain.Friend{
			DisplayName: target.DisplayName,
			Email:       target.Email,
			AddedAt:     now,
		}),
		store.Delete(reqPath),
		store.Delete(userPath(from, "pendingRequests", target.ID)),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit friend accept: %w", err)
	}
	return nil
}

// RejectFriendRequest is callable only by the target; it deletes both sides'
// records and creates nothing.
func (g *Graph) RejectFriendRequest(ctx context.Context, targetID, from string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	reqPath := userPath(targetID, "friendRequests", from)
	exists, err := g.exists(ctx, reqPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("reject %s->%s: %w", from, targetID, domain.ErrRequestNotFound)
	}
	ops := []store.Op{
		store.Delete(reqPath),
		store.Delete(userPath(from, "pendingRequests", targetID)),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit friend reject: %w", err)
	}
	return nil
}

// CancelFriendRequest is the requester-side withdrawal of a pending request.
func (g *Graph) CancelFriendRequest(ctx context.Context, fromID, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pendingPath := userPath(fromID, "pendingRequests", to)
	exists, err := g.exists(ctx, pendingPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("cancel %s->%s: %w", fromID, to, domain.ErrRequestNotFound)
	}
	ops := []store.Op{
		store.Delete(userPath(to, "friendRequests", fromID)),
		store.Delete(pendingPath),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit friend cancel: %w", err)
	}
	return nil
}

// RemoveFriend deletes both directed edges atomically. Either party may
// call it.
func (g *Graph) RemoveFriend(ctx context.Context, uid, friendID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge := userPath(uid, "friends", friendID)
	exists, err := g.exists(ctx, edge)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("remove friend %s of %s: %w", friendID, uid, domain.ErrFriendNotFound)
	}
	ops := []store.Op{
		store.Delete(edge),
		store.Delete(userPath(friendID, "friends", uid)),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit friend removal: %w", err)
	}
	return nil
}
