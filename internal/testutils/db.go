// SPDX-License-Identifier: Apache-2.0

// Package testutils provides the ephemeral-PostgreSQL test harness shared by
// every package's integration tests, grounded on the teacher's
// pkg/testutils: a single container is started for the test binary and each
// test gets its own freshly created database inside it.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultPostgresVersion = "15.3"

// EnvSkipFlag gates every integration test in this module on an explicit
// opt-in, so `go test ./...` stays hermetic by default.
const EnvSkipFlag = "PGKV_TEST_POSTGRES"

var tConnStr string

// SharedTestMain starts a postgres container shared by every test in the
// calling package. Call it from a TestMain. If EnvSkipFlag is unset, it
// skips container setup entirely, runs the tests without a container and
// exits with their result.
func SharedTestMain(m *testing.M) {
	if os.Getenv(EnvSkipFlag) == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// RequirePostgres skips the calling test unless EnvSkipFlag is set.
func RequirePostgres(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvSkipFlag) == "" {
		t.Skipf("set %s=1 to run tests against a real postgres container", EnvSkipFlag)
	}
}

// WithConnectionToContainer hands fn a connection to a freshly created
// database inside the shared container along with its connection string.
func WithConnectionToContainer(t *testing.T, fn func(conn *sql.DB, connStr string)) {
	t.Helper()
	RequirePostgres(t)

	db, connStr, _ := setupTestDatabase(t)
	fn(db, connStr)
}

func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tDB.Close() })

	dbName := randomDBName()
	if _, err := tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	u.Path = "/" + dbName
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	return db, connStr, dbName
}

func randomDBName() string {
	const length = 15
	const charset = "abcdefghijklmnopqrstuvwxyz"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))] // #nosec G404
	}
	return "testdb_" + string(b)
}
