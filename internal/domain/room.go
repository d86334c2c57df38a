package domain

import (
	"time"
)

// Role is a participant's role within a room. A participant holds
// exactly one role per room.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleViewer      Role = "viewer"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleParticipant, RoleViewer:
		return true
	}
	return false
}

// CanProduce reports whether the role is allowed to publish media.
// Pure viewers only consume.
func (r Role) CanProduce() bool {
	return r == RoleHost || r == RoleParticipant
}

// Room represents a live broadcast room.
type Room struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	HostID    string    `json:"host_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant represents a member of a room. ID is an ephemeral
// session identifier, not the durable user id.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}
