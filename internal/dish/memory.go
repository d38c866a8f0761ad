package dish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors.
var (
	ErrInvalidDish     = errors.New("invalid dish")
	ErrSettingNotFound = errors.New("setting not found")
)

// InMemoryStore implements Inventory, PreferenceStore and AccountStore in
// memory. Used for tests and local development without PostgreSQL.
// Thread-safe via RWMutex.
type InMemoryStore struct {
	mu       sync.RWMutex
	dishes   map[string]*Dish
	prefs    []Preference
	profiles map[string]*Profile
	settings map[string]Setting
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		dishes:   make(map[string]*Dish),
		profiles: make(map[string]*Profile),
		settings: make(map[string]Setting),
	}
}

// InsertDish stores a copy of d, assigning a UUID when ID is empty.
// Returns the stored ID.
func (s *InMemoryStore) InsertDish(d *Dish) (string, error) {
	if d.Slots < 0 || d.Filled < 0 || d.Filled > d.Slots {
		return "", fmt.Errorf("%w: filled %d of %d slots", ErrInvalidDish, d.Filled, d.Slots)
	}
	if d.Title == "" {
		return "", fmt.Errorf("%w: empty title", ErrInvalidDish)
	}

	c := copyDish(*d)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dishes[c.ID] = &c
	return c.ID, nil
}

// AddPreference records a signal and reports whether it was the requester's
// first.
func (s *InMemoryStore) AddPreference(p Preference) bool {
	if p.SetAt.IsZero() {
		p.SetAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []Preference
	for _, q := range s.prefs {
		if q.RequesterID == p.RequesterID {
			existing = append(existing, q)
		}
	}
	s.prefs = append(s.prefs, p)
	return FirstSignal(existing)
}

// PutProfile stores or replaces a profile.
func (s *InMemoryStore) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = &p
}

// PutSetting stores or replaces an operator setting.
func (s *InMemoryStore) PutSetting(st Setting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.Key] = st
}

// FindAvailable implements Inventory.
func (s *InMemoryStore) FindAvailable(ctx context.Context, p Predicate, offset, limit int) ([]Dish, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches := make([]Dish, 0, len(s.dishes))
	for _, d := range s.dishes {
		if p.Matches(*d) {
			matches = append(matches, copyDish(*d))
		}
	}
	s.mu.RUnlock()

	Sort(matches)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return []Dish{}, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListByRequester implements PreferenceStore.
func (s *InMemoryStore) ListByRequester(ctx context.Context, requesterID string) ([]Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Preference{}
	for _, p := range s.prefs {
		if p.RequesterID == requesterID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SetAt.Before(out[j].SetAt) })
	return out, nil
}

// ListActive implements PreferenceStore. Accounts without a profile or a
// recorded login are treated as inactive.
func (s *InMemoryStore) ListActive(ctx context.Context, since time.Time) ([]Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Preference{}
	for _, p := range s.prefs {
		prof, ok := s.profiles[p.RequesterID]
		if !ok || prof.LastLoginAt == nil || prof.LastLoginAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SetAt.Before(out[j].SetAt) })
	return out, nil
}

// Profile implements AccountStore.
func (s *InMemoryStore) Profile(ctx context.Context, requesterID string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[requesterID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// Setting returns an operator setting by key.
func (s *InMemoryStore) Setting(ctx context.Context, key string) (Setting, error) {
	if err := ctx.Err(); err != nil {
		return Setting{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[key]
	if !ok {
		return Setting{}, fmt.Errorf("%s: %w", key, ErrSettingNotFound)
	}
	return st, nil
}

func copyDish(d Dish) Dish {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	if d.OwnerAge != nil {
		age := *d.OwnerAge
		d.OwnerAge = &age
	}
	if d.LastAcceptedAt != nil {
		t := *d.LastAcceptedAt
		d.LastAcceptedAt = &t
	}
	return d
}
