package domain

// Identity is the denormalized view of a user handed to us by the identity
// collaborator. The store keeps a profile copy under users/{id}/profile so
// subscribers can render names without extra lookups.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Profile is what we persist for a user.
type Profile struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	CreatedAt   string `json:"createdAt,omitempty"`
	LastLogin   string `json:"lastLogin,omitempty"`
}

// Friend is one directed side of a friendship edge, stored under
// users/{owner}/friends/{friend}. The edge exists symmetrically or not at all.
type Friend struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AddedAt     int64  `json:"addedAt"`
}

// FriendRequest lives under users/{to}/friendRequests/{from}.
type FriendRequest struct {
	From            string `json:"from"`
	FromDisplayName string `json:"fromDisplayName"`
	FromEmail       string `json:"fromEmail"`
	Timestamp       int64  `json:"timestamp"`
	Status          string `json:"status"`
}

// PendingRequest is the requester-side mirror of a FriendRequest, stored
// under users/{from}/pendingRequests/{to}.
type PendingRequest struct {
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// Group metadata. Members are stored as children under
// groups/{id}/members/{uid} so a membership change touches one key on the
// group side and one key on the member's own index.
type Group struct {
	Name      string                 `json:"name"`
	CreatedBy string                 `json:"createdBy"`
	CreatedAt int64                  `json:"createdAt"`
	Members   map[string]GroupMember `json:"members,omitempty"`
}

// GroupMember is one membership record inside a group.
type GroupMember struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	JoinedAt    int64  `json:"joinedAt"`
}

// UserGroup is the member-side group index entry, stored under
// users/{uid}/groups/{groupId}.
type UserGroup struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joinedAt"`
}

// GroupInvite lives under users/{target}/groupInvites/{groupId}.
type GroupInvite struct {
	GroupID         string `json:"groupId"`
	GroupName       string `json:"groupName"`
	From            string `json:"from"`
	FromDisplayName string `json:"fromDisplayName"`
	Timestamp       int64  `json:"timestamp"`
	Status          string `json:"status"`
}

// Message is one entry in a chat partition. The id is the key of the message
// node, assigned at commit time, and is monotonic within the partition.
// Timestamp is the commit timestamp in unix milliseconds — client clocks are
// never trusted for ordering. Only the Read flag ever mutates, false→true.
type Message struct {
	ID                string `json:"id"`
	Content           string `json:"content"`
	Sender            string `json:"sender"`
	SenderDisplayName string `json:"senderDisplayName"`
	Timestamp         int64  `json:"timestamp"`
	Read              bool   `json:"read"`
}

// TypingMarker lives under typing/{scope}/{typer}. It is ephemeral: readers
// discard markers older than the TTL at read time, there is no sweep.
type TypingMarker struct {
	Timestamp int64 `json:"timestamp"`
	IsGroup   bool  `json:"isGroup"`
}

// Role values for group members.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// StatusPending is the only status a request or invite ever carries while it
// exists; accept and reject delete the record rather than flipping it.
const StatusPending = "pending"
