package dish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/dishmatch/internal/geo"
	"github.com/onnwee/dishmatch/internal/tracing"
)

// maxSettingDepth bounds nested sub settings.
const maxSettingDepth = 8

const dishColumns = `id, title, description, owner_id, owner_name, owner_age, city,
	ST_Y(location::geometry), ST_X(location::geometry),
	slots, filled, start_time, created_at, last_accepted_at, synthetic`

// PostgresStore implements Inventory, PreferenceStore and AccountStore on
// PostgreSQL with PostGIS. Locations are stored as geography(Point, 4326).
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// FindAvailable implements Inventory.
func (s *PostgresStore) FindAvailable(ctx context.Context, p Predicate, offset, limit int) (dishes []Dish, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "dishes", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query, args := compilePredicate(p, offset, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query available dishes: %w", err)
	}
	defer rows.Close()

	dishes = []Dish{}
	for rows.Next() {
		d, err := scanDish(rows)
		if err != nil {
			return nil, err
		}
		dishes = append(dishes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate available dishes: %w", err)
	}

	s.logger.Debug("queried available dishes",
		slog.Int("count", len(dishes)),
		slog.Int("offset", offset),
		slog.Int("limit", limit))
	return dishes, nil
}

// compilePredicate renders p as a parameterised SELECT ordered by Less.
func compilePredicate(p Predicate, offset, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "filled < slots")
	where = append(where, "start_time >= "+arg(p.From))
	if p.To != nil {
		where = append(where, "start_time <= "+arg(*p.To))
	}
	if p.ExcludeOwner != "" {
		where = append(where, "owner_id <> "+arg(p.ExcludeOwner))
	}
	if len(p.ExcludeIDs) > 0 {
		where = append(where, "NOT (id = ANY("+arg(pq.Array(p.ExcludeIDs))+"))")
	}
	switch p.Synthetic {
	case SyntheticExclude:
		where = append(where, "synthetic = FALSE")
	case SyntheticOnly:
		where = append(where, "synthetic = TRUE")
	}
	if p.Near != nil {
		// Sphere rather than spheroid so the result agrees with geo.DistanceKm.
		where = append(where, fmt.Sprintf(
			"location IS NOT NULL AND ST_DWithin(location, ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography, %s, false)",
			arg(p.Near.Lng), arg(p.Near.Lat), arg(geo.KmToMeters(p.RadiusKm))))
	}
	if p.MinAge != nil || p.MaxAge != nil {
		where = append(where, "owner_age IS NOT NULL")
	}
	if p.MinAge != nil {
		where = append(where, "owner_age >= "+arg(*p.MinAge))
	}
	if p.MaxAge != nil {
		where = append(where, "owner_age <= "+arg(*p.MaxAge))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(dishColumns)
	b.WriteString(" FROM dishes WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" ORDER BY synthetic ASC, start_time ASC, id ASC")
	if offset < 0 {
		offset = 0
	}
	b.WriteString(" OFFSET " + arg(offset))
	if limit > 0 {
		b.WriteString(" LIMIT " + arg(limit))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDish(row rowScanner) (Dish, error) {
	var (
		d          Dish
		desc       sql.NullString
		ownerName  sql.NullString
		ownerAge   sql.NullInt64
		city       sql.NullString
		lat, lng   sql.NullFloat64
		lastAccept sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Title, &desc, &d.OwnerID, &ownerName, &ownerAge, &city,
		&lat, &lng, &d.Slots, &d.Filled, &d.StartTime, &d.CreatedAt, &lastAccept, &d.Synthetic)
	if err != nil {
		return Dish{}, fmt.Errorf("failed to scan dish: %w", err)
	}

	d.Description = desc.String
	d.OwnerName = ownerName.String
	d.City = city.String
	if ownerAge.Valid {
		age := int(ownerAge.Int64)
		d.OwnerAge = &age
	}
	if lat.Valid && lng.Valid {
		d.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if lastAccept.Valid {
		t := lastAccept.Time
		d.LastAcceptedAt = &t
	}
	return d, nil
}

// ListByRequester implements PreferenceStore.
func (s *PostgresStore) ListByRequester(ctx context.Context, requesterID string) (prefs []Preference, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "preferences", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT account_id, title, liked, description, set_at
	          FROM preferences
	          WHERE account_id = $1
	          ORDER BY set_at ASC, id ASC`
	return s.queryPreferences(ctx, query, requesterID)
}

// ListActive implements PreferenceStore.
func (s *PostgresStore) ListActive(ctx context.Context, since time.Time) (prefs []Preference, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "preferences", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT p.account_id, p.title, p.liked, p.description, p.set_at
	          FROM preferences p
	          JOIN accounts a ON a.id = p.account_id
	          WHERE a.last_login_at >= $1
	          ORDER BY p.set_at ASC, p.id ASC`
	return s.queryPreferences(ctx, query, since)
}

func (s *PostgresStore) queryPreferences(ctx context.Context, query string, args ...any) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	prefs := []Preference{}
	for rows.Next() {
		var (
			p    Preference
			desc sql.NullString
		)
		if err := rows.Scan(&p.RequesterID, &p.Title, &p.Liked, &desc, &p.SetAt); err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		p.Description = desc.String
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate preferences: %w", err)
	}
	return prefs, nil
}

// Profile implements AccountStore.
func (s *PostgresStore) Profile(ctx context.Context, requesterID string) (profile *Profile, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		city      sql.NullString
		lat, lng  sql.NullFloat64
		dob       sql.NullTime
		showSynth sql.NullBool
		lastLogin sql.NullTime
	)
	query := `SELECT home_city, ST_Y(home_location::geometry), ST_X(home_location::geometry),
	                 date_of_birth, show_synthetic, last_login_at
	          FROM accounts
	          WHERE id = $1`
	err = s.db.QueryRowContext(ctx, query, requesterID).Scan(&city, &lat, &lng, &dob, &showSynth, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account profile: %w", err)
	}

	p := &Profile{ID: requesterID, HomeCity: city.String}
	if lat.Valid && lng.Valid {
		p.HomeLocation = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if dob.Valid {
		t := dob.Time
		p.DateOfBirth = &t
	}
	if showSynth.Valid {
		v := showSynth.Bool
		p.ShowSynthetic = &v
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return p, nil
}

// Setting returns an operator setting by key, following sub settings.
func (s *PostgresStore) Setting(ctx context.Context, key string) (st Setting, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "settings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	return s.setting(ctx, key, 0)
}

func (s *PostgresStore) setting(ctx context.Context, key string, depth int) (Setting, error) {
	if depth > maxSettingDepth {
		return Setting{}, fmt.Errorf("setting %q: sub settings nested too deeply", key)
	}

	var (
		kind   string
		str    sql.NullString
		num    sql.NullFloat64
		date   sql.NullTime
		subKey sql.NullString
	)
	query := `SELECT kind, string_value, number_value, date_value, sub_key
	          FROM settings
	          WHERE key = $1`
	err := s.db.QueryRowContext(ctx, query, key).Scan(&kind, &str, &num, &date, &subKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Setting{}, fmt.Errorf("%s: %w", key, ErrSettingNotFound)
		}
		return Setting{}, fmt.Errorf("failed to get setting %q: %w", key, err)
	}

	switch SettingKind(kind) {
	case SettingString:
		return StringSetting(key, str.String), nil
	case SettingNumber:
		return NumberSetting(key, num.Float64), nil
	case SettingDate:
		return DateSetting(key, date.Time), nil
	case SettingSub:
		if !subKey.Valid {
			return Setting{}, fmt.Errorf("setting %q: sub setting without sub_key", key)
		}
		sub, err := s.setting(ctx, subKey.String, depth+1)
		if err != nil {
			return Setting{}, err
		}
		return SubSetting(key, sub), nil
	default:
		return Setting{}, fmt.Errorf("setting %q: unknown kind %q", key, kind)
	}
}
