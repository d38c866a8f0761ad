package dish

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStore_InsertDish(t *testing.T) {
	s := NewInMemoryStore()

	id, err := s.InsertDish(&Dish{Title: "Ramen", Slots: 2})
	if err != nil {
		t.Fatalf("InsertDish() error = %v", err)
	}
	if id == "" {
		t.Error("InsertDish() should assign an id")
	}

	_, err = s.InsertDish(&Dish{Title: "Soba", Slots: 1, Filled: 2})
	if !errors.Is(err, ErrInvalidDish) {
		t.Errorf("InsertDish() overfilled error = %v, want ErrInvalidDish", err)
	}
	_, err = s.InsertDish(&Dish{Slots: 1})
	if !errors.Is(err, ErrInvalidDish) {
		t.Errorf("InsertDish() untitled error = %v, want ErrInvalidDish", err)
	}
}

func TestInMemoryStore_FindAvailable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryStore()

	for _, d := range []Dish{
		{ID: "late", Title: "Curry", Slots: 1, StartTime: now.Add(3 * time.Hour)},
		{ID: "early", Title: "Ramen", Slots: 1, StartTime: now.Add(time.Hour)},
		{ID: "synthetic", Title: "Pho", Slots: 1, StartTime: now.Add(30 * time.Minute), Synthetic: true},
		{ID: "full", Title: "Udon", Slots: 1, Filled: 1, StartTime: now.Add(time.Hour)},
		{ID: "past", Title: "Soba", Slots: 1, StartTime: now.Add(-time.Hour)},
	} {
		if _, err := s.InsertDish(&d); err != nil {
			t.Fatalf("InsertDish() error = %v", err)
		}
	}

	got, err := s.FindAvailable(ctx, Predicate{From: now}, 0, 0)
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	want := []string{"early", "late", "synthetic"}
	if len(got) != len(want) {
		t.Fatalf("FindAvailable() = %v, want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("FindAvailable() = %v, want %v", ids(got), want)
		}
	}

	page, err := s.FindAvailable(ctx, Predicate{From: now}, 1, 1)
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	if len(page) != 1 || page[0].ID != "late" {
		t.Errorf("FindAvailable() page = %v, want [late]", ids(page))
	}

	empty, err := s.FindAvailable(ctx, Predicate{From: now}, 10, 5)
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("FindAvailable() past end = %v, want empty", ids(empty))
	}
}

func TestInMemoryStore_FindAvailableReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if _, err := s.InsertDish(&Dish{ID: "d", Title: "Ramen", Slots: 1, StartTime: time.Now().Add(time.Hour), OwnerAge: intPtr(30)}); err != nil {
		t.Fatalf("InsertDish() error = %v", err)
	}

	got, _ := s.FindAvailable(ctx, Predicate{}, 0, 0)
	*got[0].OwnerAge = 99
	got[0].Title = "changed"

	again, _ := s.FindAvailable(ctx, Predicate{}, 0, 0)
	if again[0].Title != "Ramen" || *again[0].OwnerAge != 30 {
		t.Errorf("stored dish was mutated through a returned copy: %+v", again[0])
	}
}

func TestInMemoryStore_Preferences(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryStore()

	recent := now.Add(-time.Hour)
	stale := now.Add(-30 * 24 * time.Hour)
	s.PutProfile(Profile{ID: "active", LastLoginAt: &recent})
	s.PutProfile(Profile{ID: "stale", LastLoginAt: &stale})

	if first := s.AddPreference(Preference{RequesterID: "active", Title: "Ramen", Liked: true, SetAt: now.Add(-2 * time.Hour)}); !first {
		t.Error("AddPreference() first signal = false, want true")
	}
	if first := s.AddPreference(Preference{RequesterID: "active", Title: "Pizza", SetAt: now.Add(-3 * time.Hour)}); first {
		t.Error("AddPreference() second signal = true, want false")
	}
	s.AddPreference(Preference{RequesterID: "stale", Title: "Curry", Liked: true})
	s.AddPreference(Preference{RequesterID: "ghost", Title: "Pho", Liked: true})

	mine, err := s.ListByRequester(ctx, "active")
	if err != nil {
		t.Fatalf("ListByRequester() error = %v", err)
	}
	if len(mine) != 2 || mine[0].Title != "Pizza" || mine[1].Title != "Ramen" {
		t.Errorf("ListByRequester() = %+v, want [Pizza Ramen] by SetAt", mine)
	}

	active, err := s.ListActive(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListActive() = %+v, want only the active account's signals", active)
	}
	for _, p := range active {
		if p.RequesterID != "active" {
			t.Errorf("ListActive() returned signal of %q", p.RequesterID)
		}
	}
}

func TestInMemoryStore_ProfileAndSettings(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	p, err := s.Profile(ctx, "nobody")
	if err != nil || p != nil {
		t.Errorf("Profile() unknown = %v, %v; want nil, nil", p, err)
	}

	s.PutProfile(Profile{ID: "alice", HomeCity: "Berlin"})
	p, err = s.Profile(ctx, "alice")
	if err != nil || p == nil || p.HomeCity != "Berlin" {
		t.Errorf("Profile() = %+v, %v", p, err)
	}

	if _, err := s.Setting(ctx, SettingAutoRetrain); !errors.Is(err, ErrSettingNotFound) {
		t.Errorf("Setting() missing error = %v, want ErrSettingNotFound", err)
	}
	s.PutSetting(StringSetting(SettingAutoRetrain, "off"))
	st, err := s.Setting(ctx, SettingAutoRetrain)
	if err != nil {
		t.Fatalf("Setting() error = %v", err)
	}
	if on, _ := st.Bool(); on {
		t.Error("Setting().Bool() = true, want false")
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewInMemoryStore()
	if _, err := s.FindAvailable(ctx, Predicate{}, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("FindAvailable() error = %v, want context.Canceled", err)
	}
	if _, err := s.Profile(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Profile() error = %v, want context.Canceled", err)
	}
}
