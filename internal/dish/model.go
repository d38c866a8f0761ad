// Package dish defines the postings, preference signals and account profiles
// that the discovery engine reads, along with the collaborator interfaces
// used to load them.
package dish

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/dishmatch/internal/geo"
)

// ErrUnavailable marks failures of a storage or reference-data collaborator.
// Callers use it to tell "no results" apart from "could not determine results".
var ErrUnavailable = errors.New("collaborator unavailable")

// Dish is a single offer of a home-cooked meal.
// Filled never exceeds Slots.
type Dish struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	OwnerID        string     `json:"-"`
	OwnerName      string     `json:"owner_name,omitempty"`
	OwnerAge       *int       `json:"owner_age,omitempty"`
	City           string     `json:"city,omitempty"`
	Location       *geo.Point `json:"-"`
	Slots          int        `json:"slots"`
	Filled         int        `json:"filled"`
	StartTime      time.Time  `json:"start_time"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAcceptedAt *time.Time `json:"last_accepted_at,omitempty"`
	Synthetic      bool       `json:"synthetic,omitempty"`
}

// HasCapacity reports whether at least one slot is still open.
func (d *Dish) HasCapacity() bool {
	return d.Filled < d.Slots
}

// Available reports whether the dish can still be requested at time notBefore.
func (d *Dish) Available(notBefore time.Time) bool {
	return d.HasCapacity() && !d.StartTime.Before(notBefore)
}

// Preference is a requester's stated like or dislike of a named dish.
// Description is the reference text used to train the similarity index.
type Preference struct {
	RequesterID string    `json:"-"`
	Title       string    `json:"title"`
	Liked       bool      `json:"liked"`
	Description string    `json:"-"`
	SetAt       time.Time `json:"set_at"`
}

// FirstSignal reports whether a new signal for a requester with the given
// existing signals is their first. The account layer uses this to flip its
// "preferences configured" flag.
func FirstSignal(existing []Preference) bool {
	return len(existing) == 0
}

// Liked returns the liked signals in their original order.
func Liked(prefs []Preference) []Preference {
	out := make([]Preference, 0, len(prefs))
	for _, p := range prefs {
		if p.Liked {
			out = append(out, p)
		}
	}
	return out
}

// Profile is the subset of an account the engine needs for anchoring.
type Profile struct {
	ID            string
	HomeCity      string
	HomeLocation  *geo.Point
	DateOfBirth   *time.Time
	ShowSynthetic *bool
	LastLoginAt   *time.Time
}

// AgeAt returns the whole number of years between the profile's date of
// birth and t. The second value is false when no date of birth is known.
func (p *Profile) AgeAt(t time.Time) (int, bool) {
	if p == nil || p.DateOfBirth == nil {
		return 0, false
	}
	dob := p.DateOfBirth.In(t.Location())
	years := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		years--
	}
	return years, true
}

// PreferenceStore loads preference signals.
type PreferenceStore interface {
	// ListByRequester returns a requester's signals ordered by SetAt ascending.
	ListByRequester(ctx context.Context, requesterID string) ([]Preference, error)

	// ListActive returns the signals of every account whose last login is at
	// or after since, ordered by SetAt ascending.
	ListActive(ctx context.Context, since time.Time) ([]Preference, error)
}

// AccountStore loads requester profiles.
type AccountStore interface {
	// Profile returns the requester's profile, or nil and no error when the
	// requester is unknown.
	Profile(ctx context.Context, requesterID string) (*Profile, error)
}
