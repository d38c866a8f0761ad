package dish

import (
	"context"
	"sort"
	"time"

	"github.com/onnwee/dishmatch/internal/geo"
)

// SyntheticMode selects how synthetic postings take part in a query.
type SyntheticMode int

const (
	// SyntheticInclude returns synthetic and authentic postings.
	SyntheticInclude SyntheticMode = iota
	// SyntheticExclude returns authentic postings only.
	SyntheticExclude
	// SyntheticOnly returns synthetic postings only.
	SyntheticOnly
)

func (m SyntheticMode) String() string {
	switch m {
	case SyntheticExclude:
		return "exclude"
	case SyntheticOnly:
		return "only"
	default:
		return "include"
	}
}

// Predicate is the resolved conjunction a posting must satisfy to be
// eligible. It is a plain value: InMemoryStore evaluates it with Matches and
// PostgresStore compiles it to SQL.
type Predicate struct {
	// From is the inclusive lower bound on StartTime.
	From time.Time
	// To is the inclusive upper bound on StartTime, unbounded when nil.
	To *time.Time

	// ExcludeOwner drops postings owned by this account when non-empty.
	ExcludeOwner string
	ExcludeIDs   []string

	// Near enables the distance filter when non-nil.
	Near     *geo.Point
	RadiusKm float64

	// MinAge and MaxAge bound OwnerAge when non-nil.
	MinAge *int
	MaxAge *int

	Synthetic SyntheticMode
}

// Matches reports whether d satisfies every clause of the predicate.
func (p Predicate) Matches(d Dish) bool {
	if !d.HasCapacity() {
		return false
	}
	if d.StartTime.Before(p.From) {
		return false
	}
	if p.To != nil && d.StartTime.After(*p.To) {
		return false
	}
	if p.ExcludeOwner != "" && d.OwnerID == p.ExcludeOwner {
		return false
	}
	for _, id := range p.ExcludeIDs {
		if d.ID == id {
			return false
		}
	}
	switch p.Synthetic {
	case SyntheticExclude:
		if d.Synthetic {
			return false
		}
	case SyntheticOnly:
		if !d.Synthetic {
			return false
		}
	}
	if p.Near != nil {
		if d.Location == nil || !geo.WithinKm(*p.Near, *d.Location, p.RadiusKm) {
			return false
		}
	}
	if p.MinAge != nil || p.MaxAge != nil {
		if d.OwnerAge == nil {
			return false
		}
		if p.MinAge != nil && *d.OwnerAge < *p.MinAge {
			return false
		}
		if p.MaxAge != nil && *d.OwnerAge > *p.MaxAge {
			return false
		}
	}
	return true
}

// Less is the total order every Inventory returns results in: authentic
// before synthetic, then ascending StartTime, then ascending ID.
func Less(a, b Dish) bool {
	if a.Synthetic != b.Synthetic {
		return !a.Synthetic
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}

// Sort orders dishes in place by Less.
func Sort(dishes []Dish) {
	sort.Slice(dishes, func(i, j int) bool { return Less(dishes[i], dishes[j]) })
}

// Inventory executes eligibility predicates against stored postings.
type Inventory interface {
	// FindAvailable returns the postings matching p, ordered by Less, skipping
	// offset items. A limit of zero or less returns every remaining match.
	FindAvailable(ctx context.Context, p Predicate, offset, limit int) ([]Dish, error)
}
