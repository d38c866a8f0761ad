// Package recommend ranks eligible dishes for a requester by similarity to
// the dishes they have said they like.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/similarity"
)

// DefaultMaxNeighbors is how many similar titles are gathered per liked dish.
const DefaultMaxNeighbors = 10

// Pool supplies eligible dishes.
type Pool interface {
	ResolveAnchors(ctx context.Context, c eligibility.Constraints) (eligibility.Anchors, error)
	Eligible(ctx context.Context, c eligibility.Constraints) ([]dish.Dish, error)
}

// Neighborhood answers nearest-neighbour queries by dish title.
type Neighborhood interface {
	Nearest(id string, offset, count int) []similarity.Neighbor
}

// Config holds the ranker's collaborators.
type Config struct {
	Pool        Pool
	Preferences dish.PreferenceStore
	// Model returns the index to consult; it is called once per request.
	Model func() Neighborhood
	// MaxNeighbors caps similar titles per liked dish (default: 10).
	MaxNeighbors int
	Logger       *slog.Logger
}

// Ranker orders a requester's eligible dishes.
type Ranker struct {
	pool         Pool
	prefs        dish.PreferenceStore
	model        func() Neighborhood
	maxNeighbors int
	logger       *slog.Logger
}

// NewRanker creates a Ranker.
func NewRanker(cfg Config) *Ranker {
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = DefaultMaxNeighbors
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ranker{
		pool:         cfg.Pool,
		prefs:        cfg.Preferences,
		model:        cfg.Model,
		maxNeighbors: cfg.MaxNeighbors,
		logger:       cfg.Logger,
	}
}

// Recommend returns at most limit eligible dishes for requesterID, none of
// them in excludeIDs, each at most once.
//
// When synthetic dishes are allowed the eligible set is split into an
// authentic segment and a synthetic one, and authentic dishes lead every
// ordering. A small authentic segment is returned whole, newest first, and
// topped up once from the synthetic segment. Requesters without preference
// signals get the newest dishes. Otherwise neighbours of each liked title
// come first, then the rest of the pool by latest start time.
func (r *Ranker) Recommend(ctx context.Context, requesterID string, excludeIDs []string, c eligibility.Constraints, limit int) ([]dish.Dish, error) {
	if limit <= 0 {
		return []dish.Dish{}, nil
	}

	c.RequesterID = requesterID
	c.Start, c.Limit = 0, 0
	c.ExcludeIDs = mergeIDs(c.ExcludeIDs, excludeIDs)
	if c.Anchors == nil {
		a, err := r.pool.ResolveAnchors(ctx, c)
		if err != nil {
			return nil, err
		}
		c.Anchors = &a
	}

	eligible, err := r.pool.Eligible(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return []dish.Dish{}, nil
	}

	primary, synthetic := eligible, []dish.Dish(nil)
	if eligibility.SyntheticMode(c, *c.Anchors) == dish.SyntheticInclude {
		primary, synthetic = splitSynthetic(eligible)
	}

	if len(primary) <= limit {
		return r.smallPool(primary, synthetic, limit), nil
	}

	prefs, err := r.prefs.ListByRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	if len(prefs) == 0 {
		r.logger.Debug("cold start recommendations", slog.String("requester_id", requesterID))
		return newestCreated(primary)[:limit], nil
	}

	return r.rank(primary, synthetic, prefs, limit), nil
}

// smallPool returns the whole primary segment, then one synthetic fill pass
// bounded by the shortfall.
func (r *Ranker) smallPool(primary, synthetic []dish.Dish, limit int) []dish.Dish {
	out := newestCreated(primary)
	short := limit - len(primary)
	if short == 0 || len(synthetic) == 0 {
		return out
	}

	fill := newestCreated(synthetic)
	if len(fill) > short {
		fill = fill[:short]
	}
	r.logger.Debug("widened recommendations with synthetic dishes",
		slog.Int("pool", len(primary)),
		slog.Int("fill", len(fill)))
	return append(out, fill...)
}

// rank runs the preference cascade. Neighbours may come from either
// segment; the final fill walks the primary segment before the synthetic one.
func (r *Ranker) rank(primary, synthetic []dish.Dish, prefs []dish.Preference, limit int) []dish.Dish {
	var model Neighborhood
	if r.model != nil {
		model = r.model()
	}

	byTitle := make(map[string][]dish.Dish)
	for _, segment := range [][]dish.Dish{primary, synthetic} {
		for _, d := range segment {
			byTitle[d.Title] = append(byTitle[d.Title], d)
		}
	}

	liked := dish.Liked(prefs)
	candidates := make([][]dish.Dish, 0, len(liked))
	for _, p := range liked {
		candidates = append(candidates, r.similarDishes(model, p.Title, byTitle))
	}

	// The "already seen" set is built from the liked signals as well, so
	// every similarity candidate lands in the deferred bucket.
	seen := make(map[string]struct{})
	for _, p := range liked {
		for _, d := range r.similarDishes(model, p.Title, byTitle) {
			seen[d.ID] = struct{}{}
		}
	}

	out := make([]dish.Dish, 0, limit)
	taken := make(map[string]struct{}, limit)
	var deferred []dish.Dish
	push := func(d dish.Dish) {
		if _, dup := taken[d.ID]; dup {
			return
		}
		taken[d.ID] = struct{}{}
		out = append(out, d)
	}

walk:
	for _, group := range candidates {
		for _, d := range group {
			if _, ok := seen[d.ID]; ok {
				deferred = append(deferred, d)
			} else {
				push(d)
			}
			if len(out) >= limit {
				break walk
			}
		}
	}

	for _, d := range deferred {
		if len(out) >= limit {
			break
		}
		push(d)
	}

	for _, segment := range [][]dish.Dish{primary, synthetic} {
		for _, d := range latestStart(segment) {
			if len(out) >= limit {
				return out
			}
			push(d)
		}
	}

	return out
}

// similarDishes pages through the model until maxNeighbors titles present in
// the pool are found or the neighbour list runs out, then expands each title
// to its pool dishes.
func (r *Ranker) similarDishes(model Neighborhood, title string, byTitle map[string][]dish.Dish) []dish.Dish {
	if model == nil {
		return nil
	}

	var titles []string
	for offset := 0; len(titles) < r.maxNeighbors; offset += r.maxNeighbors {
		page := model.Nearest(title, offset, r.maxNeighbors)
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			if _, ok := byTitle[n.ID]; ok {
				titles = append(titles, n.ID)
				if len(titles) == r.maxNeighbors {
					break
				}
			}
		}
	}

	var out []dish.Dish
	for _, t := range titles {
		out = append(out, byTitle[t]...)
	}
	return out
}

func newestCreated(dishes []dish.Dish) []dish.Dish {
	out := append([]dish.Dish(nil), dishes...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func latestStart(dishes []dish.Dish) []dish.Dish {
	out := append([]dish.Dish(nil), dishes...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// splitSynthetic separates authentic dishes from synthetic ones, keeping
// the order of each.
func splitSynthetic(dishes []dish.Dish) (authentic, synthetic []dish.Dish) {
	for _, d := range dishes {
		if d.Synthetic {
			synthetic = append(synthetic, d)
		} else {
			authentic = append(authentic, d)
		}
	}
	return authentic, synthetic
}

func mergeIDs(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
