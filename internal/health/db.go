// Package health provides health check implementations for external dependencies.
package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/dishmatch/internal/db"
)

// DBChecker implements health checking for the PostgreSQL store.
type DBChecker struct {
	db             *sql.DB
	requirePostGIS bool
}

// NewDBChecker creates a database health checker. With requirePostGIS the
// check also fails when the PostGIS extension is missing, since every
// distance query depends on it.
func NewDBChecker(db *sql.DB, requirePostGIS bool) *DBChecker {
	return &DBChecker{
		db:             db,
		requirePostGIS: requirePostGIS,
	}
}

// HealthCheck pings the database and optionally verifies PostGIS.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if !d.requirePostGIS {
		return nil
	}
	_, err := db.PostGISVersion(ctx, d.db)
	return err
}
