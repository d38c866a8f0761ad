package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/dishmatch/internal/geo"
	"github.com/onnwee/dishmatch/internal/tracing"
)

// Cache defaults.
const (
	DefaultCacheTTL    = 24 * time.Hour
	DefaultNegativeTTL = time.Hour
	CacheKeyPrefix     = "refdata:summary:"
)

// negativeEntry marks a name the upstream does not know.
const negativeEntry = "null"

// CacheConfig configures CachedResolver.
type CacheConfig struct {
	// Redis may be nil, in which case only in-flight deduplication applies.
	Redis       *redis.Client
	TTL         time.Duration
	NegativeTTL time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// CachedResolver fronts a Lookuper with a Redis cache. Concurrent lookups
// of the same name share one upstream call. Redis failures fall through to
// the upstream.
type CachedResolver struct {
	upstream    Lookuper
	rdb         *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
	logger      *slog.Logger
	metrics     *Metrics
}

// NewCachedResolver creates a CachedResolver.
func NewCachedResolver(upstream Lookuper, cfg CacheConfig) *CachedResolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CachedResolver{
		upstream:    upstream,
		rdb:         cfg.Redis,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// CacheKey returns the Redis key for name.
func CacheKey(name string) string {
	return CacheKeyPrefix + normalizeName(name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Lookup implements Lookuper.
func (r *CachedResolver) Lookup(ctx context.Context, name string) (*Summary, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, ErrEmptyName
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.lookup(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	s, _ := v.(*Summary)
	if s == nil {
		return nil, nil
	}
	out := *s
	if s.Coordinates != nil {
		p := *s.Coordinates
		out.Coordinates = &p
	}
	return &out, nil
}

// ResolveCoordinates returns the coordinates recorded for name, or nil.
func (r *CachedResolver) ResolveCoordinates(ctx context.Context, name string) (*geo.Point, error) {
	return coordinatesOf(r.Lookup(ctx, name))
}

// Describe returns the summary text for name, or "".
func (r *CachedResolver) Describe(ctx context.Context, name string) (string, error) {
	return extractOf(r.Lookup(ctx, name))
}

func (r *CachedResolver) lookup(ctx context.Context, name string) (*Summary, error) {
	if r.rdb == nil {
		return r.upstream.Lookup(ctx, name)
	}

	key := CacheKey(name)
	cacheUp := true
	getCtx, endGet := tracing.StartCacheSpan(ctx, "get", CacheKeyPrefix)
	val, err := r.rdb.Get(getCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		endGet(nil)
	} else {
		endGet(err)
	}
	switch {
	case err == nil:
		if s, ok := r.decode(key, val); ok {
			r.metrics.incCache(CacheHit)
			return s, nil
		}
		r.metrics.incCache(CacheMiss)
	case errors.Is(err, redis.Nil):
		r.metrics.incCache(CacheMiss)
	default:
		cacheUp = false
		r.metrics.incCache(CacheError)
		r.logger.Warn("reference data cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}

	s, err := r.upstream.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if cacheUp {
		r.store(ctx, key, s)
	}
	return s, nil
}

func (r *CachedResolver) decode(key, val string) (*Summary, bool) {
	if val == negativeEntry {
		return nil, true
	}
	var s Summary
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		r.logger.Warn("discarding malformed cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, false
	}
	return &s, true
}

func (r *CachedResolver) store(ctx context.Context, key string, s *Summary) {
	var (
		data []byte
		ttl  = r.ttl
	)
	if s == nil {
		data = []byte(negativeEntry)
		ttl = r.negativeTTL
	} else {
		var err error
		if data, err = json.Marshal(s); err != nil {
			return
		}
	}
	ctx, endSet := tracing.StartCacheSpan(ctx, "set", CacheKeyPrefix)
	err := r.rdb.Set(ctx, key, data, ttl).Err()
	endSet(err)
	if err != nil {
		r.logger.Warn("reference data cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}
