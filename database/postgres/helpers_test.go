package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/database/postgres"
)

var (
	testPool     *pgxpool.Pool
	testPoolOnce sync.Once
	testCleanup  func()
	tableSeq     atomic.Int64
)

// getSharedTestDatabase returns a shared database pool for all tests.
// Reusing one container keeps the suite fast; isolation comes from each test
// using its own table.
func getSharedTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testPoolOnce.Do(func() {
		ctx := context.Background()

		pgContainer, err := pgcontainer.Run(ctx,
			"postgres:18-alpine",
			pgcontainer.WithDatabase("testdb"),
			pgcontainer.WithUsername("testuser"),
			pgcontainer.WithPassword("testpass"),
			pgcontainer.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}

		testCleanup = func() {
			if testPool != nil {
				testPool.Close()
			}
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				fmt.Fprintf(os.Stderr, "failed to terminate container: %s\n", err)
			}
		}

		connectionStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			testCleanup()
			t.Fatalf("failed to get connection string: %v", err)
		}

		pool, err := pgxpool.New(ctx, connectionStr)
		if err != nil {
			testCleanup()
			t.Fatalf("could not connect to database: %v", err)
		}

		testPool = pool
	})

	return testPool
}

// newTestRepo migrates a fresh table on the shared database and returns a
// repo bound to it.
func newTestRepo(t *testing.T) stashgate.CellRepo {
	t.Helper()
	ctx := context.Background()

	pool := getSharedTestDatabase(t)
	tables := stashgate.Tables{Cells: fmt.Sprintf("cells_%d", tableSeq.Add(1))}

	if err := postgres.Migrate(ctx, pool, tables); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.DropTables(ctx, pool, tables); err != nil {
			t.Logf("drop tables: %v", err)
		}
	})

	repo, err := postgres.NewRepo(pool, tables)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return repo
}

func TestMain(m *testing.M) {
	code := m.Run()
	if testCleanup != nil {
		testCleanup()
	}
	os.Exit(code)
}
