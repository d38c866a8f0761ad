package discovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/geo"
	"github.com/onnwee/dishmatch/internal/recommend"
	"github.com/onnwee/dishmatch/internal/retrain"
)

// instrumentedStore counts every query and can be made to fail.
type instrumentedStore struct {
	*dish.InMemoryStore
	queries atomic.Int32
	fail    atomic.Bool
	block   atomic.Bool
}

var errStoreDown = errors.New("store down")

func (s *instrumentedStore) before(ctx context.Context) error {
	s.queries.Add(1)
	if s.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.fail.Load() {
		return errStoreDown
	}
	return nil
}

func (s *instrumentedStore) FindAvailable(ctx context.Context, p dish.Predicate, offset, limit int) ([]dish.Dish, error) {
	if err := s.before(ctx); err != nil {
		return nil, err
	}
	return s.InMemoryStore.FindAvailable(ctx, p, offset, limit)
}

func (s *instrumentedStore) Profile(ctx context.Context, id string) (*dish.Profile, error) {
	if err := s.before(ctx); err != nil {
		return nil, err
	}
	return s.InMemoryStore.Profile(ctx, id)
}

func (s *instrumentedStore) ListByRequester(ctx context.Context, id string) ([]dish.Preference, error) {
	if err := s.before(ctx); err != nil {
		return nil, err
	}
	return s.InMemoryStore.ListByRequester(ctx, id)
}

type stubCities map[string]*geo.Point

func (s stubCities) ResolveCoordinates(_ context.Context, name string) (*geo.Point, error) {
	return s[name], nil
}

type fixture struct {
	now     time.Time
	store   *instrumentedStore
	coord   *retrain.Coordinator
	service *Service
}

func newFixture(t *testing.T, callTimeout time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f := &fixture{
		now:   time.Now().UTC().Truncate(time.Second),
		store: &instrumentedStore{InMemoryStore: dish.NewInMemoryStore()},
	}

	filter := eligibility.NewFilter(eligibility.Config{
		Inventory: f.store,
		Accounts:  f.store,
		Cities:    stubCities{"Berlin": &geo.Point{Lat: 52.52, Lng: 13.405}},
		Logger:    logger,
		Now:       func() time.Time { return f.now },
	})
	f.coord = retrain.NewCoordinator(retrain.Config{Logger: logger}, filter, f.store)
	ranker := recommend.NewRanker(recommend.Config{
		Pool:        filter,
		Preferences: f.store,
		Model:       func() recommend.Neighborhood { return f.coord.Active() },
		Logger:      logger,
	})
	f.service = NewService(Config{
		Filter:      filter,
		Ranker:      ranker,
		Retrainer:   f.coord,
		CallTimeout: callTimeout,
		Logger:      logger,
	})
	return f
}

func (f *fixture) add(t *testing.T, d dish.Dish) {
	t.Helper()
	if d.Slots == 0 {
		d.Slots = 4
	}
	if d.OwnerID == "" {
		d.OwnerID = "chef"
	}
	if _, err := f.store.InsertDish(&d); err != nil {
		t.Fatalf("InsertDish() error = %v", err)
	}
}

func ids(dishes []dish.Dish) []string {
	out := make([]string, len(dishes))
	for i, d := range dishes {
		out[i] = d.ID
	}
	return out
}

func TestService_YesterdayDateStartIssuesNoQuery(t *testing.T) {
	f := newFixture(t, 0)
	f.add(t, dish.Dish{ID: "d1", Title: "Ramen", StartTime: f.now.Add(time.Hour)})
	yesterday := f.now.Add(-24 * time.Hour)

	got, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{RequesterID: "alice", DateStart: &yesterday})
	if err != nil || len(got) != 0 {
		t.Errorf("ListAvailable() = %v, %v; want empty, nil", ids(got), err)
	}
	got, err = f.service.ListRecommended(context.Background(), "alice", nil, eligibility.Constraints{DateStart: &yesterday}, 6)
	if err != nil || len(got) != 0 {
		t.Errorf("ListRecommended() = %v, %v; want empty, nil", ids(got), err)
	}
	if n := f.store.queries.Load(); n != 0 {
		t.Errorf("store queried %d times, want 0", n)
	}
}

func TestService_ListAvailable(t *testing.T) {
	f := newFixture(t, 0)
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		f.add(t, dish.Dish{ID: id, Title: "Dish " + id, StartTime: f.now.Add(time.Duration(i+1) * time.Hour)})
	}

	page, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{})
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if len(page) != DefaultLimit {
		t.Errorf("default page size = %d, want %d", len(page), DefaultLimit)
	}

	next, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{Start: 6})
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if want := []string{"g", "h"}; !reflect.DeepEqual(ids(next), want) {
		t.Errorf("second page = %v, want %v", ids(next), want)
	}
}

func TestService_AnchorsResolvedOnce(t *testing.T) {
	f := newFixture(t, 0)
	home := geo.Point{Lat: 52.52, Lng: 13.405}
	f.store.PutProfile(dish.Profile{ID: "alice", HomeLocation: &home})
	f.add(t, dish.Dish{ID: "d1", Title: "Ramen", StartTime: f.now.Add(time.Hour), Location: &home})

	if _, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{RequesterID: "alice"}); err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	// One profile lookup plus one inventory query.
	if n := f.store.queries.Load(); n != 2 {
		t.Errorf("store queries = %d, want 2", n)
	}
}

func TestService_ListRecommendedWithTrainedModel(t *testing.T) {
	f := newFixture(t, 0)
	f.add(t, dish.Dish{ID: "udon", Title: "Udon", Description: "Japanese thick wheat noodle soup", StartTime: f.now.Add(2 * time.Hour), CreatedAt: f.now.Add(-5 * time.Hour)})
	f.add(t, dish.Dish{ID: "soba", Title: "Soba", Description: "Japanese buckwheat noodle", StartTime: f.now.Add(3 * time.Hour), CreatedAt: f.now.Add(-4 * time.Hour)})
	f.add(t, dish.Dish{ID: "calzone", Title: "Calzone", Description: "Italian folded baked dough filled with tomato and cheese", StartTime: f.now.Add(50 * time.Hour), CreatedAt: f.now.Add(-3 * time.Hour)})
	f.add(t, dish.Dish{ID: "tacos", Title: "Tacos", Description: "Mexican corn tortillas with salsa", StartTime: f.now.Add(4 * time.Hour), CreatedAt: f.now.Add(-2 * time.Hour)})
	f.add(t, dish.Dish{ID: "mine", Title: "Ramen", Description: "Japanese noodle soup with pork broth", OwnerID: "alice", StartTime: f.now.Add(time.Hour)})

	login := f.now
	f.store.PutProfile(dish.Profile{ID: "alice", LastLoginAt: &login})
	f.store.AddPreference(dish.Preference{RequesterID: "alice", Title: "Ramen", Liked: true, Description: "Japanese noodle soup with pork broth"})

	if err := f.service.RetrainNow(context.Background()); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}

	got, err := f.service.ListRecommended(context.Background(), "alice", nil, eligibility.Constraints{}, 3)
	if err != nil {
		t.Fatalf("ListRecommended() error = %v", err)
	}
	if want := []string{"udon", "soba", "calzone"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("ListRecommended() = %v, want %v", ids(got), want)
	}

	excluded, err := f.service.ListRecommended(context.Background(), "alice", []string{"udon"}, eligibility.Constraints{}, 3)
	if err != nil {
		t.Fatalf("ListRecommended() error = %v", err)
	}
	for _, d := range excluded {
		if d.ID == "udon" || d.ID == "mine" {
			t.Errorf("ListRecommended() returned %s", d.ID)
		}
	}
}

func TestService_UntrainedModelStillServes(t *testing.T) {
	f := newFixture(t, 0)
	for i, id := range []string{"a", "b", "c", "d"} {
		f.add(t, dish.Dish{ID: id, Title: "Dish " + id, StartTime: f.now.Add(time.Duration(i+1) * time.Hour), CreatedAt: f.now.Add(time.Duration(i) * time.Minute)})
	}
	f.store.AddPreference(dish.Preference{RequesterID: "alice", Title: "Ramen", Liked: true})

	got, err := f.service.ListRecommended(context.Background(), "alice", nil, eligibility.Constraints{}, 2)
	if err != nil {
		t.Fatalf("ListRecommended() error = %v", err)
	}
	if want := []string{"d", "c"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("ListRecommended() = %v, want latest start first %v", ids(got), want)
	}
}

func TestService_CollaboratorFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, 0)
	f.add(t, dish.Dish{ID: "d1", Title: "Ramen", StartTime: f.now.Add(time.Hour)})
	f.store.fail.Store(true)

	_, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, errStoreDown) {
		t.Errorf("ListAvailable() error = %v, want ErrUnavailable wrapping store error", err)
	}

	_, err = f.service.ListRecommended(context.Background(), "alice", nil, eligibility.Constraints{}, 3)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("ListRecommended() error = %v, want ErrUnavailable", err)
	}
}

func TestService_CallTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.store.block.Store(true)

	start := time.Now()
	_, err := f.service.ListAvailable(context.Background(), eligibility.Constraints{})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ListAvailable() error = %v, want unavailable deadline", err)
	}
	if time.Since(start) > time.Second {
		t.Error("call timeout was not applied")
	}
}

func TestService_RetrainControls(t *testing.T) {
	f := newFixture(t, 0)

	if !f.service.IsAutoRetrainEnabled() {
		t.Error("auto retrain should default to enabled")
	}
	f.service.SetAutoRetrain(false)
	if f.service.IsAutoRetrainEnabled() {
		t.Error("SetAutoRetrain(false) had no effect")
	}

	if err := f.service.RetrainNow(context.Background()); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	st := f.service.RetrainStatus()
	if st.ActiveSlot != retrain.Secondary.String() || st.Degraded || st.AutoRetrain {
		t.Errorf("RetrainStatus() = %+v", st)
	}

	f.store.fail.Store(true)
	if err := f.service.RetrainNow(context.Background()); !errors.Is(err, errStoreDown) {
		t.Errorf("RetrainNow() error = %v, want store error", err)
	}
	if !f.service.RetrainStatus().Degraded {
		t.Error("failed retrain should mark the model degraded")
	}
}
