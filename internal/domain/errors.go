package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and transport mapping. Validation and
// permission failures are never retried; conflicts require the caller to
// re-fetch state first; transient failures may be retried for idempotent
// operations only.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
)

// Error is the unified error for every command and query. Code is stable and
// machine-readable; Message is for humans.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is makes sentinel comparison work through fmt.Errorf("%w") chains: two
// domain errors match when their codes match.
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return e.Code == de.Code
	}
	return false
}

// Sentinels for the failure modes the engines produce. Handlers compare with
// errors.Is; wrapping with context is fine.
var (
	ErrInvalidPath         = &Error{Code: "INVALID_PATH", Kind: KindValidation, Message: "malformed store path"}
	ErrEmptyContent        = &Error{Code: "EMPTY_CONTENT", Kind: KindValidation, Message: "message content is empty"}
	ErrEmptyGroupName      = &Error{Code: "EMPTY_GROUP_NAME", Kind: KindValidation, Message: "group name is empty"}
	ErrNoMembers           = &Error{Code: "NO_MEMBERS", Kind: KindValidation, Message: "a group needs at least one invited member"}
	ErrSelfRequest         = &Error{Code: "SELF_REQUEST", Kind: KindValidation, Message: "cannot send a friend request to yourself"}
	ErrPermissionDenied    = &Error{Code: "PERMISSION_DENIED", Kind: KindPermission, Message: "not authorized for this path or operation"}
	ErrInvalidToken        = &Error{Code: "INVALID_TOKEN", Kind: KindPermission, Message: "identity token is missing or invalid"}
	ErrNotAdmin            = &Error{Code: "NOT_ADMIN", Kind: KindPermission, Message: "caller is not a group admin"}
	ErrNotMember           = &Error{Code: "NOT_MEMBER", Kind: KindPermission, Message: "caller is not a member of this group"}
	ErrCannotRemoveCreator = &Error{Code: "CANNOT_REMOVE_CREATOR", Kind: KindPermission, Message: "the group creator cannot be removed"}
	ErrCreatorCannotLeave  = &Error{Code: "CREATOR_CANNOT_LEAVE", Kind: KindConflict, Message: "the group creator cannot leave the group"}
	ErrAlreadyPending      = &Error{Code: "ALREADY_PENDING", Kind: KindConflict, Message: "a friend request is already outstanding between these users"}
	ErrAlreadyFriends      = &Error{Code: "ALREADY_FRIENDS", Kind: KindConflict, Message: "these users are already friends"}
	ErrAlreadyMember       = &Error{Code: "ALREADY_MEMBER", Kind: KindConflict, Message: "user is already a member of this group"}
	ErrInvitePending       = &Error{Code: "INVITE_PENDING", Kind: KindConflict, Message: "an invite to this group is already outstanding"}
	ErrUserNotFound        = &Error{Code: "USER_NOT_FOUND", Kind: KindNotFound, Message: "no such user"}
	ErrRequestNotFound     = &Error{Code: "REQUEST_NOT_FOUND", Kind: KindNotFound, Message: "no such friend request"}
	ErrFriendNotFound      = &Error{Code: "FRIEND_NOT_FOUND", Kind: KindNotFound, Message: "no such friendship"}
	ErrGroupNotFound       = &Error{Code: "GROUP_NOT_FOUND", Kind: KindNotFound, Message: "no such group"}
	ErrInviteNotFound      = &Error{Code: "INVITE_NOT_FOUND", Kind: KindNotFound, Message: "no such group invite"}
	ErrMemberNotFound      = &Error{Code: "MEMBER_NOT_FOUND", Kind: KindNotFound, Message: "user is not a member of this group"}
	ErrUnavailable         = &Error{Code: "UNAVAILABLE", Kind: KindTransient, Message: "backend temporarily unavailable"}
)

// KindOf extracts the Kind from an error chain; unknown errors map to
// transient.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// CodeOf extracts the stable code from an error chain, or "INTERNAL".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL"
}
