// Package contribution defines the contribution registry domain model.
package contribution

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies a contribution. The set is closed.
type Type string

const (
	TypeRedstone Type = "redstone"
	TypeBuilding Type = "building"
	TypeLandmark Type = "landmark"
	TypeOther    Type = "other"
)

// ParseType normalizes a raw type string. The boolean is false for
// anything outside the closed set.
func ParseType(raw string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeRedstone:
		return TypeRedstone, true
	case TypeBuilding:
		return TypeBuilding, true
	case TypeLandmark:
		return TypeLandmark, true
	case TypeOther:
		return TypeOther, true
	}
	return "", false
}

// Contribution is a tracked unit of collaborative work. The ID is assigned
// by the store on creation and is monotonically increasing.
type Contribution struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	GameID    string    `json:"game_id,omitempty"`
	CreatorID uuid.UUID `json:"creator_uuid"`
	// CreatorName is hydrated from the creator's contributor record.
	CreatorName string    `json:"creator_name,omitempty"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	World       string    `json:"world"`
	CreatedAt   time.Time `json:"created_at"`

	// Contributors is a read-time projection, populated when the
	// contribution is hydrated for transport. Not a stored field.
	Contributors []ContributorRecord `json:"contributors,omitempty"`
}

// Clone returns a deep copy. Cached entries are cloned on the way in and
// on the way out so callers never alias cache-internal state.
func (c *Contribution) Clone() *Contribution {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Contributors != nil {
		cp.Contributors = make([]ContributorRecord, len(c.Contributors))
		copy(cp.Contributors, c.Contributors)
		for i := range cp.Contributors {
			if iv := cp.Contributors[i].InviterID; iv != nil {
				v := *iv
				cp.Contributors[i].InviterID = &v
			}
		}
	}
	return &cp
}

// ContributorRecord is one node of a contribution's contributor tree.
// Level 1 is the creator; each deeper level points at its inviter.
type ContributorRecord struct {
	ContributionID int64      `json:"contribution_id"`
	ActorID        uuid.UUID  `json:"player_uuid"`
	Name           string     `json:"player_name"`
	Level          int        `json:"level"`
	InviterID      *uuid.UUID `json:"inviter_uuid,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// PendingInvitation is the ephemeral record of an outstanding invite.
// It never touches the store and does not survive a restart.
type PendingInvitation struct {
	ContributionID int64
	InviterID      uuid.UUID
	InviterName    string
	InviterLevel   int
	CreatedAt      time.Time
}
