package ws

import (
	"context"
	"fmt"
	"strings"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// Topics are the client-facing names for live queries; they map onto store
// paths scoped to the authenticated user. Parameterized topics use a single
// "name:arg" form.
//
//	friends, friendRequests, pendingRequests, groups, groupInvites
//	chat:{chatId}    direct partition, caller must be a participant
//	group:{groupId}  group partition, caller must be a member
//	typing:{scope}   a chat key the caller is part of, or a group the caller belongs to
func resolveTopic(ctx context.Context, st store.Store, uid, topic string) (store.Path, error) {
	switch topic {
	case "friends", "friendRequests", "pendingRequests", "groups", "groupInvites":
		return store.Join("users", uid, topic), nil
	}

	name, arg, ok := strings.Cut(topic, ":")
	if !ok || arg == "" {
		return "", fmt.Errorf("topic %q: %w", topic, domain.ErrInvalidPath)
	}
	switch name {
	case "chat":
		p := store.Join("messages", arg)
		if err := store.CanSubscribe(uid, p); err != nil {
			return "", err
		}
		return p, nil
	case "group":
		if err := requireMember(ctx, st, uid, arg); err != nil {
			return "", err
		}
		return store.Join("groupMessages", arg), nil
	case "typing":
		// A scope is either a direct-chat key the caller is part of or a
		// group the caller belongs to.
		if strings.Contains(arg, "_") {
			if err := store.CanSubscribe(uid, store.Join("messages", arg)); err != nil {
				return "", err
			}
		} else if err := requireMember(ctx, st, uid, arg); err != nil {
			return "", err
		}
		return store.Join("typing", arg), nil
	default:
		return "", fmt.Errorf("topic %q: %w", topic, domain.ErrInvalidPath)
	}
}

func requireMember(ctx context.Context, st store.Store, uid, gid string) error {
	p := store.Join("groups", gid, "members", uid)
	if err := p.Validate(); err != nil {
		return err
	}
	snap, err := st.Read(ctx, p)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("group %s: %w", gid, domain.ErrPermissionDenied)
	}
	return nil
}
