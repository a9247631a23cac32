package storepg_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	ges "github.com/mickamy/ges"
	"github.com/mickamy/ges/internal/storetest"
	"github.com/mickamy/ges/storepg"
)

// testDSN returns DATABASE_URL if set (matching the teacher's convention
// for a developer-provided database), otherwise boots a disposable
// Postgres container for the duration of the test.
func testDSN(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ges"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to resolve postgres connection string: %v", err)
	}
	return url
}

func TestEventStore_Compliance(t *testing.T) {
	t.Parallel()

	url := testDSN(t)
	if err := storepg.Migrate(strings.Replace(url, "postgres://", "pgx5://", 1)); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	t.Cleanup(pool.Close)

	registry := ges.NewEventTypeRegistry(storetest.Registry(), true)

	storetest.Run(t, func(t *testing.T, publisher *ges.Publisher) ges.EventStore {
		t.Helper()
		opts := []storepg.Option{storepg.WithEventTypeRegistry(registry)}
		if publisher != nil {
			opts = append(opts, storepg.WithPublisher(publisher))
		}
		return storepg.NewEventStore(pool, opts...)
	})
}
