// Package eligibility implements the range filter: it turns a requester's
// constraints into a dish.Predicate and runs it against the inventory.
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/dishmatch/internal/geo"
)

// Defaults applied when a constraint leaves the radius unset.
const (
	DefaultRadiusKm  = 50.0
	DefaultAgeRadius = 10
)

// Visibility controls whether synthetic postings are returned.
type Visibility int

const (
	// SyntheticDefault shows synthetic postings unless the requester's
	// profile opts out.
	SyntheticDefault Visibility = iota
	SyntheticShow
	SyntheticHide
	SyntheticOnly
)

func (v Visibility) String() string {
	switch v {
	case SyntheticShow:
		return "show"
	case SyntheticHide:
		return "hide"
	case SyntheticOnly:
		return "only"
	default:
		return "default"
	}
}

// ParseVisibility parses the query-string form of a Visibility.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return SyntheticDefault, nil
	case "show":
		return SyntheticShow, nil
	case "hide":
		return SyntheticHide, nil
	case "only":
		return SyntheticOnly, nil
	}
	return SyntheticDefault, fmt.Errorf("unknown synthetic visibility %q", s)
}

// Constraints is a requester's query over the inventory.
type Constraints struct {
	// RequesterID is empty for anonymous queries.
	RequesterID string

	// Start skips that many results. Limit caps them; zero or less means all.
	Start int
	Limit int

	// City overrides the requester's home location for the distance filter.
	City string

	DateStart *time.Time
	DateEnd   *time.Time

	RadiusKm  *float64
	AgeRadius *int

	Synthetic  Visibility
	ExcludeIDs []string

	// Anchors, when set, are used instead of resolving them again.
	Anchors *Anchors
}

// Anchors are the requester-derived reference values the filter measures
// postings against. Nil fields disable the corresponding filter.
type Anchors struct {
	Location *geo.Point
	// Age is the requester's age at the start of the requested window.
	Age           *int
	ShowSynthetic *bool
}

// ValidWindow reports whether the requested date window is usable at now.
// DateStart must be strictly in the future; DateEnd must be strictly in the
// future and strictly after DateStart.
func (c Constraints) ValidWindow(now time.Time) bool {
	if c.DateStart != nil && !c.DateStart.After(now) {
		return false
	}
	if c.DateEnd != nil {
		if !c.DateEnd.After(now) {
			return false
		}
		if c.DateStart != nil && !c.DateEnd.After(*c.DateStart) {
			return false
		}
	}
	return true
}
