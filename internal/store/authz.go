package store

import (
	"fmt"
	"strings"

	"chatsync/internal/domain"
)

// CanSubscribe enforces the namespace rules for client-facing live queries:
// user-scoped subtrees belong to their owner, chat partitions to their
// participants, group subtrees to members (checked by the caller against
// membership, here only structurally), and typing scopes are open to any
// authenticated user. Engines bypass this; they are trusted code.
func CanSubscribe(uid string, p Path) error {
	segs := p.Segments()
	switch segs[0] {
	case "users":
		if len(segs) < 2 || segs[1] != uid {
			return fmt.Errorf("subscribe %q as %s: %w", p, uid, domain.ErrPermissionDenied)
		}
		return nil
	case "messages":
		if len(segs) < 2 || !chatKeyHas(segs[1], uid) {
			return fmt.Errorf("subscribe %q as %s: %w", p, uid, domain.ErrPermissionDenied)
		}
		return nil
	case "groupMessages", "groups", "typing":
		// Membership for group subtrees is a data question, decided by the
		// hub against groups/{gid}/members; structurally these are fine.
		if len(segs) < 2 {
			return fmt.Errorf("subscribe %q: %w", p, domain.ErrInvalidPath)
		}
		return nil
	default:
		return fmt.Errorf("subscribe %q: %w", p, domain.ErrPermissionDenied)
	}
}

// chatKeyHas reports whether uid is one of the two participants encoded in a
// direct-chat partition key ("a_b", ids sorted).
func chatKeyHas(key, uid string) bool {
	parts := strings.SplitN(key, "_", 2)
	return len(parts) == 2 && (parts[0] == uid || parts[1] == uid)
}
