package covalue

import (
	"encoding/json"
	"time"
)

// RulesetType selects how permissions are evaluated for a CoValue (§3).
type RulesetType string

const (
	RulesetGroup         RulesetType = "group"
	RulesetOwnedByGroup  RulesetType = "ownedByGroup"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

// Ruleset is the header field selecting the permission-evaluation strategy.
type Ruleset struct {
	Type  RulesetType `json:"type"`
	Group ID          `json:"group,omitempty"`
}

// Header is the immutable portion of a CoValue; its canonical encoding's
// hash is the CoValue's ID (§3).
type Header struct {
	Type       Kind            `json:"type"`
	Ruleset    Ruleset         `json:"ruleset"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Uniqueness [16]byte        `json:"uniqueness"`
}

// GoverningGroup reports the ID whose role grants gate writes to a CoValue
// with this header: itself when self-governing, or the referenced group.
func (h Header) GoverningGroup(self ID) (ID, bool) {
	switch h.Ruleset.Type {
	case RulesetGroup:
		return self, true
	case RulesetOwnedByGroup:
		return h.Ruleset.Group, true
	default:
		return ID{}, false
	}
}
