// Package db opens the PostgreSQL connection pool shared by the stores.
// PostGIS is required: every distance filter runs as ST_DWithin.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// VersionQuery is the SQL query to verify PostGIS is available.
const VersionQuery = "SELECT PostGIS_Version()"

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a single API instance.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open connects to dsn, applies the pool settings and verifies that the
// server answers and has PostGIS installed.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	Configure(conn, pool)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := PostGISVersion(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Configure applies pool settings; zero values keep database/sql defaults.
func Configure(conn *sql.DB, pool PoolConfig) {
	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		conn.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}

// PostGISVersion returns the installed PostGIS version string.
func PostGISVersion(ctx context.Context, conn *sql.DB) (string, error) {
	var version string
	if err := conn.QueryRowContext(ctx, VersionQuery).Scan(&version); err != nil {
		return "", fmt.Errorf("postgis unavailable (CREATE EXTENSION postgis): %w", err)
	}
	return version, nil
}
