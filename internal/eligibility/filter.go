package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/geo"
)

// CityResolver maps a place name to coordinates. Unknown names resolve to
// nil without error.
type CityResolver interface {
	ResolveCoordinates(ctx context.Context, name string) (*geo.Point, error)
}

// Config holds the filter's collaborators and defaults.
type Config struct {
	Inventory dish.Inventory
	Accounts  dish.AccountStore
	Cities    CityResolver

	// DefaultRadiusKm is used when a query sets no radius (default: 50).
	DefaultRadiusKm float64
	// DefaultAgeRadius is used when a query sets no age radius (default: 10).
	DefaultAgeRadius int

	Logger *slog.Logger
	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Filter evaluates Constraints against the inventory.
type Filter struct {
	inventory        dish.Inventory
	accounts         dish.AccountStore
	cities           CityResolver
	defaultRadiusKm  float64
	defaultAgeRadius int
	logger           *slog.Logger
	now              func() time.Time
}

// NewFilter creates a Filter. Accounts and Cities may be nil, in which case
// the anchors they provide are never set.
func NewFilter(cfg Config) *Filter {
	if cfg.DefaultRadiusKm <= 0 {
		cfg.DefaultRadiusKm = DefaultRadiusKm
	}
	if cfg.DefaultAgeRadius <= 0 {
		cfg.DefaultAgeRadius = DefaultAgeRadius
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Filter{
		inventory:        cfg.Inventory,
		accounts:         cfg.Accounts,
		cities:           cfg.Cities,
		defaultRadiusKm:  cfg.DefaultRadiusKm,
		defaultAgeRadius: cfg.DefaultAgeRadius,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
}

// Now returns the filter's notion of the current time.
func (f *Filter) Now() time.Time {
	return f.now()
}

// ResolveAnchors looks up the requester's profile and the requested city.
// An explicit city wins over the home location; a city that cannot be
// resolved falls back to the home location.
func (f *Filter) ResolveAnchors(ctx context.Context, c Constraints) (Anchors, error) {
	var (
		a       Anchors
		profile *dish.Profile
	)

	if c.RequesterID != "" && f.accounts != nil {
		p, err := f.accounts.Profile(ctx, c.RequesterID)
		if err != nil {
			return Anchors{}, fmt.Errorf("failed to load profile %q: %w", c.RequesterID, err)
		}
		profile = p
	}

	if c.City != "" && f.cities != nil {
		loc, err := f.cities.ResolveCoordinates(ctx, c.City)
		if err != nil {
			return Anchors{}, fmt.Errorf("failed to resolve city %q: %w", c.City, err)
		}
		if loc != nil {
			a.Location = loc
		} else {
			f.logger.Debug("city not resolved, using home location", slog.String("city", c.City))
		}
	}

	if profile != nil {
		if a.Location == nil && profile.HomeLocation != nil {
			loc := *profile.HomeLocation
			a.Location = &loc
		}

		at := f.now()
		if c.DateStart != nil {
			at = *c.DateStart
		}
		if age, ok := profile.AgeAt(at); ok {
			a.Age = &age
		}

		if profile.ShowSynthetic != nil {
			show := *profile.ShowSynthetic
			a.ShowSynthetic = &show
		}
	}

	return a, nil
}

// SyntheticMode resolves the synthetic visibility of c under anchors a.
func SyntheticMode(c Constraints, a Anchors) dish.SyntheticMode {
	switch c.Synthetic {
	case SyntheticShow:
		return dish.SyntheticInclude
	case SyntheticHide:
		return dish.SyntheticExclude
	case SyntheticOnly:
		return dish.SyntheticOnly
	}
	if a.ShowSynthetic != nil && !*a.ShowSynthetic {
		return dish.SyntheticExclude
	}
	return dish.SyntheticInclude
}

// Predicate builds the store predicate for c under anchors a at time now.
func (f *Filter) Predicate(c Constraints, a Anchors, now time.Time) dish.Predicate {
	p := dish.Predicate{
		From:         now,
		ExcludeOwner: c.RequesterID,
		Synthetic:    SyntheticMode(c, a),
	}
	if c.DateStart != nil {
		p.From = *c.DateStart
	}
	if c.DateEnd != nil {
		end := *c.DateEnd
		p.To = &end
	}
	if len(c.ExcludeIDs) > 0 {
		p.ExcludeIDs = append([]string(nil), c.ExcludeIDs...)
	}

	if a.Location != nil {
		loc := *a.Location
		p.Near = &loc
		p.RadiusKm = f.defaultRadiusKm
		if c.RadiusKm != nil && *c.RadiusKm >= 0 {
			p.RadiusKm = *c.RadiusKm
		}
	}

	if a.Age != nil {
		r := f.defaultAgeRadius
		if c.AgeRadius != nil && *c.AgeRadius >= 0 {
			r = *c.AgeRadius
		}
		lo, hi := *a.Age-r, *a.Age+r
		p.MinAge, p.MaxAge = &lo, &hi
	}

	return p
}

// Eligible returns the postings satisfying c, paged by c.Start and c.Limit.
// An invalid date window yields an empty result without querying the
// inventory.
func (f *Filter) Eligible(ctx context.Context, c Constraints) ([]dish.Dish, error) {
	now := f.now()
	if !c.ValidWindow(now) {
		f.logger.Debug("rejected date window",
			slog.String("requester_id", c.RequesterID))
		return []dish.Dish{}, nil
	}

	var anchors Anchors
	if c.Anchors != nil {
		anchors = *c.Anchors
	} else {
		a, err := f.ResolveAnchors(ctx, c)
		if err != nil {
			return nil, err
		}
		anchors = a
	}

	p := f.Predicate(c, anchors, now)
	dishes, err := f.inventory.FindAvailable(ctx, p, c.Start, c.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find available dishes: %w", err)
	}
	return dishes, nil
}
