//go:build integration

// Package testinfra provides backing services for integration tests.
//
// Tests get a PostGIS database from DATABASE_URL when it is set, which is
// how CI runs them against a service container. Otherwise a throwaway
// postgis/postgis container is started with testcontainers and removed when
// the test finishes. Without either, the test is skipped.
//
// Run with: go test -tags=integration ./...
package testinfra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostGISImage is the image started when DATABASE_URL is unset.
const PostGISImage = "postgis/postgis:16-3.4-alpine"

const startupTimeout = 2 * time.Minute

// PostGISOption adjusts the container PostGIS starts.
type PostGISOption func(*postgisOptions)

type postgisOptions struct {
	initScripts []string
}

// WithMigrations runs the given SQL files, in order, when the container
// initializes. They are ignored when DATABASE_URL points at an existing
// database, which is expected to be migrated already.
func WithMigrations(paths ...string) PostGISOption {
	return func(o *postgisOptions) {
		o.initScripts = append(o.initScripts, paths...)
	}
}

// PostGIS returns a DSN for a PostGIS-enabled database.
func PostGIS(t *testing.T, opts ...PostGISOption) string {
	t.Helper()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	var o postgisOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	ctr, err := postgres.Run(ctx, PostGISImage,
		postgres.WithDatabase("dishmatch"),
		postgres.WithUsername("dishmatch"),
		postgres.WithPassword("dishmatch"),
		postgres.WithInitScripts(o.initScripts...),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("failed to start %s: %v", PostGISImage, err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to read container DSN: %v", err)
	}
	t.Logf("started %s", PostGISImage)
	return dsn
}
