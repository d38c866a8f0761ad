//go:build integration

// Package migrations_test checks the schema against a real PostGIS database.
// An existing DATABASE_URL must already be migrated; otherwise a container is
// started with the up migration applied.
//
// Run with: go test -tags=integration -v ./migrations/...
package migrations_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/geo"
	"github.com/onnwee/dishmatch/internal/testinfra"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := testinfra.PostGIS(t, testinfra.WithMigrations("000001_init.up.sql"))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

// TestMigration000001_FilledNeverExceedsSlots verifies the capacity check.
func TestMigration000001_FilledNeverExceedsSlots(t *testing.T) {
	db := openDB(t)

	_, err := db.Exec(`
		INSERT INTO dishes (id, title, owner_id, slots, filled, start_time)
		VALUES ('mig-overfull', 'Ramen', 'mig-owner', 2, 3, NOW() + INTERVAL '1 day')
	`)
	if err == nil {
		_, _ = db.Exec(`DELETE FROM dishes WHERE id = 'mig-overfull'`)
		t.Fatal("expected check violation when filled exceeds slots")
	}
}

// TestMigration000001_SettingHasOneValue verifies a setting cannot carry a
// value for a kind other than its own.
func TestMigration000001_SettingHasOneValue(t *testing.T) {
	db := openDB(t)

	_, err := db.Exec(`
		INSERT INTO settings (key, kind, string_value, number_value)
		VALUES ('mig-mixed', 'string', 'x', 1)
	`)
	if err == nil {
		_, _ = db.Exec(`DELETE FROM settings WHERE key = 'mig-mixed'`)
		t.Fatal("expected check violation for a setting with two values")
	}
}

// TestMigration000001_PostgresStoreRoundTrip runs the store's queries against
// the migrated schema.
func TestMigration000001_PostgresStoreRoundTrip(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	cleanup := func() {
		_, _ = db.Exec(`DELETE FROM dishes WHERE id LIKE 'mig-rt-%'`)
		_, _ = db.Exec(`DELETE FROM accounts WHERE id = 'mig-rt-user'`)
		_, _ = db.Exec(`DELETE FROM settings WHERE key IN ('mig-rt-leaf', 'mig-rt-root')`)
	}
	cleanup()
	t.Cleanup(cleanup)

	_, err := db.Exec(`
		INSERT INTO accounts (id, home_city, home_location, date_of_birth, last_login_at)
		VALUES ('mig-rt-user', 'Berlin', ST_SetSRID(ST_MakePoint(13.405, 52.52), 4326)::geography, '1990-06-15', NOW())
	`)
	if err != nil {
		t.Fatalf("failed to insert account: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO dishes (id, title, owner_id, owner_age, location, slots, filled, start_time, synthetic)
		VALUES
			('mig-rt-near', 'Currywurst', 'mig-rt-owner', 30, ST_SetSRID(ST_MakePoint(13.41, 52.53), 4326)::geography, 4, 1, NOW() + INTERVAL '2 days', FALSE),
			('mig-rt-far', 'Croissant', 'mig-rt-owner', 30, ST_SetSRID(ST_MakePoint(2.35, 48.85), 4326)::geography, 4, 0, NOW() + INTERVAL '1 day', FALSE),
			('mig-rt-full', 'Schnitzel', 'mig-rt-owner', 30, ST_SetSRID(ST_MakePoint(13.40, 52.52), 4326)::geography, 2, 2, NOW() + INTERVAL '1 day', FALSE)
	`)
	if err != nil {
		t.Fatalf("failed to insert dishes: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO preferences (account_id, title, liked, description)
		VALUES ('mig-rt-user', 'Currywurst', TRUE, 'sausage with curry ketchup')
	`)
	if err != nil {
		t.Fatalf("failed to insert preference: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO settings (key, kind, string_value) VALUES ('mig-rt-leaf', 'string', 'false');
		INSERT INTO settings (key, kind, sub_key) VALUES ('mig-rt-root', 'sub', 'mig-rt-leaf');
	`)
	if err != nil {
		t.Fatalf("failed to insert settings: %v", err)
	}

	store := dish.NewPostgresStore(db, nil)

	dishes, err := store.FindAvailable(ctx, dish.Predicate{
		From:     time.Now(),
		Near:     &geo.Point{Lat: 52.52, Lng: 13.405},
		RadiusKm: 50,
	}, 0, 0)
	if err != nil {
		t.Fatalf("FindAvailable() error = %v", err)
	}
	var ids []string
	for _, d := range dishes {
		if len(d.ID) > 7 && d.ID[:7] == "mig-rt-" {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) != 1 || ids[0] != "mig-rt-near" {
		t.Errorf("expected only mig-rt-near within 50 km, got %v", ids)
	}

	profile, err := store.Profile(ctx, "mig-rt-user")
	if err != nil || profile == nil {
		t.Fatalf("Profile() = %v, %v", profile, err)
	}
	if profile.HomeLocation == nil || profile.DateOfBirth == nil {
		t.Errorf("expected home location and date of birth, got %+v", profile)
	}

	prefs, err := store.ListByRequester(ctx, "mig-rt-user")
	if err != nil || len(prefs) != 1 || prefs[0].Description == "" {
		t.Errorf("ListByRequester() = %+v, %v", prefs, err)
	}

	st, err := store.Setting(ctx, "mig-rt-root")
	if err != nil {
		t.Fatalf("Setting() error = %v", err)
	}
	if enabled, err := st.Bool(); err != nil || enabled {
		t.Errorf("expected nested false setting, got %v, %v", enabled, err)
	}

	if _, err := store.Setting(ctx, "mig-rt-missing"); !errors.Is(err, dish.ErrSettingNotFound) {
		t.Errorf("expected ErrSettingNotFound, got %v", err)
	}
}
