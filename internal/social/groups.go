package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

func groupPath(gid string, rest ...string) store.Path {
	return store.Join(append([]string{"groups", gid}, rest...)...)
}

func (g *Graph) group(ctx context.Context, gid string) (*domain.Group, error) {
	snap, err := g.store.Read(ctx, groupPath(gid))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("group %s: %w", gid, domain.ErrGroupNotFound)
	}
	var grp domain.Group
	if err := snap.Decode(&grp); err != nil {
		return nil, err
	}
	return &grp, nil
}

// CreateGroup creates the group with the creator as admin plus the given
// members, and writes every member's own group index entry, all in one
// commit. The creator's admin membership is permanent for the life of the
// group.
func (g *Graph) CreateGroup(ctx context.Context, creator domain.Identity, name string, memberIDs []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.ErrEmptyGroupName
	}
	if len(memberIDs) == 0 {
		return "", domain.ErrNoMembers
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UnixMilli()
	members := map[string]domain.GroupMember{
		creator.ID: {
			DisplayName: creator.DisplayName,
			Email:       creator.Email,
			Role:        domain.RoleAdmin,
			JoinedAt:    now,
		},
	}
	for _, mid := range memberIDs {
		if mid == creator.ID {
			continue
		}
		p, err := g.profile(ctx, mid)
		if err != nil {
			return "", err
		}
		members[mid] = domain.GroupMember{
			DisplayName: p.DisplayName,
			Email:       p.Email,
			Role:        domain.RoleMember,
			JoinedAt:    now,
		}
	}

	gid := uuid.New().String()
	ops := []store.Op{
		store.Put(groupPath(gid), domain.Group{
			Name:      name,
			CreatedBy: creator.ID,
			CreatedAt: now,
			Members:   members,
		}),
	}
	for mid, m := range members {
		ops = append(ops, store.Put(userPath(mid, "groups", gid), domain.UserGroup{
			Name:     name,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
		}))
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return "", fmt.Errorf("commit group create: %w", err)
	}
	return gid, nil
}

// InviteToGroup writes a pending invite under the target's groupInvites
// index. Invites are keyed by group, so at most one per (group, target) is
// outstanding.
func (g *Graph) InviteToGroup(ctx context.Context, inviter domain.Identity, gid, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, err := g.group(ctx, gid)
	if err != nil {
		return err
	}
	if _, ok := grp.Members[inviter.ID]; !ok {
		return fmt.Errorf("invite to %s by %s: %w", gid, inviter.ID, domain.ErrNotMember)
	}
	if _, ok := grp.Members[targetID]; ok {
		return fmt.Errorf("invite %s to %s: %w", targetID, gid, domain.ErrAlreadyMember)
	}
	if _, err := g.profile(ctx, targetID); err != nil {
		return err
	}

	invitePath := userPath(targetID, "groupInvites", gid)
	pending, err := g.exists(ctx, invitePath)
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("invite %s to %s: %w", targetID, gid, domain.ErrInvitePending)
	}

	invite := domain.GroupInvite{
		GroupID:         gid,
		GroupName:       grp.Name,
		From:            inviter.ID,
		FromDisplayName: inviter.DisplayName,
		Timestamp:       g.clock().UnixMilli(),
		Status:          domain.StatusPending,
	}
	if err := g.store.Write(ctx, invitePath, invite); err != nil {
		return fmt.Errorf("commit group invite: %w", err)
	}
	return nil
}

// AcceptGroupInvite resolves the invite exactly once: one commit adds the
// member record on the group side, the reciprocal entry under the user's own
// group index, and deletes the invite.
func (g *Graph) AcceptGroupInvite(ctx context.Context, user domain.Identity, gid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	invitePath := userPath(user.ID, "groupInvites", gid)
	exists, err := g.exists(ctx, invitePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("accept invite to %s: %w", gid, domain.ErrInviteNotFound)
	}

	grp, err := g.group(ctx, gid)
	if err != nil {
		return err
	}
	if _, ok := grp.Members[user.ID]; ok {
		// Already in (e.g. added directly while the invite sat unresolved):
		// resolving the invite just deletes it.
		return g.store.Delete(ctx, invitePath)
	}

	now := g.clock().UnixMilli()
	ops := []store.Op{
		store.Put(groupPath(gid, "members", user.ID), domain.GroupMember{
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Role:        domain.RoleMember,
			JoinedAt:    now,
		}),
		store.Put(userPath(user.ID, "groups", gid), domain.UserGroup{
			Name:     grp.Name,
			Role:     domain.RoleMember,
			JoinedAt: now,
		}),
		store.Delete(invitePath),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit invite accept: %w", err)
	}
	return nil
}

// RejectGroupInvite resolves the invite by deleting it.
func (g *Graph) RejectGroupInvite(ctx context.Context, uid, gid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	invitePath := userPath(uid, "groupInvites", gid)
	exists, err := g.exists(ctx, invitePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("reject invite to %s: %w", gid, domain.ErrInviteNotFound)
	}
	if err := g.store.Delete(ctx, invitePath); err != nil {
		return fmt.Errorf("commit invite reject: %w", err)
	}
	return nil
}

// AddMember adds a user directly (no invite); caller must be an admin.
func (g *Graph) AddMember(ctx context.Context, callerID, gid, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, err := g.group(ctx, gid)
	if err != nil {
		return err
	}
	caller, ok := grp.Members[callerID]
	if !ok {
		return fmt.Errorf("add member to %s by %s: %w", gid, callerID, domain.ErrNotMember)
	}
	if caller.Role != domain.RoleAdmin {
		return fmt.Errorf("add member to %s by %s: %w", gid, callerID, domain.ErrNotAdmin)
	}
	if _, ok := grp.Members[targetID]; ok {
		return fmt.Errorf("add %s to %s: %w", targetID, gid, domain.ErrAlreadyMember)
	}
	p, err := g.profile(ctx, targetID)
	if err != nil {
		return err
	}

	now := g.clock().UnixMilli()
	ops := []store.Op{
		store.Put(groupPath(gid, "members", targetID), domain.GroupMember{
			DisplayName: p.DisplayName,
			Email:       p.Email,
			Role:        domain.RoleMember,
			JoinedAt:    now,
		}),
		store.Put(userPath(targetID, "groups", gid), domain.UserGroup{
			Name:     grp.Name,
			Role:     domain.RoleMember,
			JoinedAt: now,
		}),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit member add: %w", err)
	}
	return nil
}

// RemoveMember removes target from the group. The creator is removal-immune
// regardless of who asks; beyond that the caller must be an admin. The
// member record and the target's own group index entry go in one commit.
func (g *Graph) RemoveMember(ctx context.Context, callerID, gid, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, err := g.group(ctx, gid)
	if err != nil {
		return err
	}
	if targetID == grp.CreatedBy {
		return fmt.Errorf("remove %s from %s: %w", targetID, gid, domain.ErrCannotRemoveCreator)
	}
	caller, ok := grp.Members[callerID]
	if !ok {
		return fmt.Errorf("remove member from %s by %s: %w", gid, callerID, domain.ErrNotMember)
	}
	if caller.Role != domain.RoleAdmin {
		return fmt.Errorf("remove member from %s by %s: %w", gid, callerID, domain.ErrNotAdmin)
	}
	if _, ok := grp.Members[targetID]; !ok {
		return fmt.Errorf("remove %s from %s: %w", targetID, gid, domain.ErrMemberNotFound)
	}

	ops := []store.Op{
		store.Delete(groupPath(gid, "members", targetID)),
		store.Delete(userPath(targetID, "groups", gid)),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit member removal: %w", err)
	}
	return nil
}

// LeaveGroup is self-removal. The creator cannot leave: the invariant is
// that createdBy stays an admin member for the life of the group.
func (g *Graph) LeaveGroup(ctx context.Context, uid, gid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp, err := g.group(ctx, gid)
	if err != nil {
		return err
	}
	if uid == grp.CreatedBy {
		return fmt.Errorf("leave %s: %w", gid, domain.ErrCreatorCannotLeave)
	}
	if _, ok := grp.Members[uid]; !ok {
		return fmt.Errorf("leave %s as %s: %w", gid, uid, domain.ErrMemberNotFound)
	}

	ops := []store.Op{
		store.Delete(groupPath(gid, "members", uid)),
		store.Delete(userPath(uid, "groups", gid)),
	}
	if err := g.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit group leave: %w", err)
	}
	return nil
}
