// Package discovery is the engine's entry point: it lists dishes a requester
// can join and recommends dishes to them, delegating to the range filter,
// the ranker and the retrain coordinator.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/retrain"
	"github.com/onnwee/dishmatch/internal/tracing"
)

// DefaultLimit is the page size used when a request sets none.
const DefaultLimit = 6

// ErrUnavailable is wrapped into every error caused by a failing
// collaborator. An empty result with a nil error means "nothing matched".
var ErrUnavailable = dish.ErrUnavailable

// Filter resolves anchors and runs eligibility queries.
type Filter interface {
	Now() time.Time
	ResolveAnchors(ctx context.Context, c eligibility.Constraints) (eligibility.Anchors, error)
	Eligible(ctx context.Context, c eligibility.Constraints) ([]dish.Dish, error)
}

// Recommender ranks eligible dishes.
type Recommender interface {
	Recommend(ctx context.Context, requesterID string, excludeIDs []string, c eligibility.Constraints, limit int) ([]dish.Dish, error)
}

// Retrainer controls the similarity model lifecycle.
type Retrainer interface {
	RetrainNow(ctx context.Context) error
	AutoRetrainEnabled() bool
	SetAutoRetrain(enabled bool)
	Status() retrain.Status
}

// Config holds the service's collaborators.
type Config struct {
	Filter    Filter
	Ranker    Recommender
	Retrainer Retrainer

	// CallTimeout bounds each call when positive; otherwise the caller's
	// context alone applies.
	CallTimeout time.Duration
	// DefaultLimit applies when a request sets no limit (default: 6).
	DefaultLimit int

	Logger *slog.Logger
}

// Service is the discovery facade. It never writes to the stores.
type Service struct {
	filter       Filter
	ranker       Recommender
	retrainer    Retrainer
	callTimeout  time.Duration
	defaultLimit int
	logger       *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		filter:       cfg.Filter,
		ranker:       cfg.Ranker,
		retrainer:    cfg.Retrainer,
		callTimeout:  cfg.CallTimeout,
		defaultLimit: cfg.DefaultLimit,
		logger:       cfg.Logger,
	}
}

// ListAvailable returns one page of dishes matching c, ordered authentic
// first, then by start time.
func (s *Service) ListAvailable(ctx context.Context, c eligibility.Constraints) (dishes []dish.Dish, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "discovery.list_available")
	defer func() { endSpan(err) }()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if c.Limit <= 0 {
		c.Limit = s.defaultLimit
	}
	if !c.ValidWindow(s.filter.Now()) {
		s.logger.Debug("list available: invalid date window", slog.String("requester_id", c.RequesterID))
		return []dish.Dish{}, nil
	}

	if c.Anchors == nil {
		a, err := s.filter.ResolveAnchors(ctx, c)
		if err != nil {
			return nil, unavailable("list available", err)
		}
		c.Anchors = &a
	}

	dishes, err = s.filter.Eligible(ctx, c)
	if err != nil {
		return nil, unavailable("list available", err)
	}

	tracing.SetAttributes(ctx, attribute.Int("discovery.results", len(dishes)))
	s.logger.Debug("listed available dishes",
		slog.String("requester_id", c.RequesterID),
		slog.Int("start", c.Start),
		slog.Int("count", len(dishes)))
	return dishes, nil
}

// ListRecommended returns up to limit dishes ranked for requesterID.
func (s *Service) ListRecommended(ctx context.Context, requesterID string, excludeIDs []string, c eligibility.Constraints, limit int) (dishes []dish.Dish, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "discovery.list_recommended")
	defer func() { endSpan(err) }()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = s.defaultLimit
	}
	c.RequesterID = requesterID
	if !c.ValidWindow(s.filter.Now()) {
		s.logger.Debug("list recommended: invalid date window", slog.String("requester_id", requesterID))
		return []dish.Dish{}, nil
	}

	if c.Anchors == nil {
		a, err := s.filter.ResolveAnchors(ctx, c)
		if err != nil {
			return nil, unavailable("list recommended", err)
		}
		c.Anchors = &a
	}

	dishes, err = s.ranker.Recommend(ctx, requesterID, excludeIDs, c, limit)
	if err != nil {
		return nil, unavailable("list recommended", err)
	}

	tracing.SetAttributes(ctx, attribute.Int("discovery.results", len(dishes)))
	s.logger.Debug("listed recommended dishes",
		slog.String("requester_id", requesterID),
		slog.Int("excluded", len(excludeIDs)),
		slog.Int("count", len(dishes)))
	return dishes, nil
}

// RetrainNow trains and publishes a new similarity model.
func (s *Service) RetrainNow(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "discovery.retrain_now")
	defer func() { endSpan(err) }()

	if err := s.retrainer.RetrainNow(ctx); err != nil {
		return fmt.Errorf("retrain: %w", err)
	}
	return nil
}

// IsAutoRetrainEnabled reports whether periodic retraining is switched on.
func (s *Service) IsAutoRetrainEnabled() bool {
	return s.retrainer.AutoRetrainEnabled()
}

// SetAutoRetrain switches periodic retraining.
func (s *Service) SetAutoRetrain(enabled bool) {
	s.retrainer.SetAutoRetrain(enabled)
}

// RetrainStatus reports the similarity model's state.
func (s *Service) RetrainStatus() retrain.Status {
	return s.retrainer.Status()
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout > 0 {
		return context.WithTimeout(ctx, s.callTimeout)
	}
	return ctx, func() {}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
