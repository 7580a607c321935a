package curation

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is a coarse priority class. Lower values are more important.
type Tier int

const (
	TierCritical  Tier = 0
	TierImportant Tier = 1
	TierUseful    Tier = 2

	// TierNone marks content that belongs to no tier.
	TierNone Tier = -1
)

// Tiers lists the real tiers from most to least important.
var Tiers = []Tier{TierCritical, TierImportant, TierUseful}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierImportant:
		return "important"
	case TierUseful:
		return "useful"
	default:
		return "none"
	}
}

func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierUseful
}

// Lower returns the tier one step less important, or TierNone below useful.
func (t Tier) Lower() Tier {
	if !t.Valid() || t == TierUseful {
		return TierNone
	}

	return t + 1
}

// Better reports whether t ranks above o.
func (t Tier) Better(o Tier) bool {
	if !t.Valid() {
		return false
	}

	return !o.Valid() || t < o
}

// ParseTier accepts tier names ("critical") or their numeric priority ("0").
func ParseTier(s string) (Tier, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	for _, t := range Tiers {
		if s == t.String() {
			return t, nil
		}
	}

	if n, err := strconv.Atoi(s); err == nil && Tier(n).Valid() {
		return Tier(n), nil
	}

	return TierNone, fmt.Errorf("unknown tier %q", s)
}
