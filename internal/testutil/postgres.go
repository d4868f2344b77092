// Package testutil provides test helpers: a disposable journal database and a
// fake line-oriented game server.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/storage/postgres"
)

const journalImage = "postgres:16-alpine"

// JournalDB is a throwaway PostgreSQL instance for journal tests.
type JournalDB struct {
	Config config.DatabaseConfig
	Pool   *postgres.Pool
}

// NewJournalDB starts PostgreSQL in a container and connects a Pool to it.
// The test is skipped in -short mode or when no container runtime is
// reachable. Container and pool are released when the test ends.
//
// Postcondition: Returns a connected, empty database, or skips or fails t.
func NewJournalDB(t *testing.T) *JournalDB {
	t.Helper()
	if testing.Short() {
		t.Skip("journal database tests skipped in -short mode")
	}
	ctx := context.Background()
	start := time.Now()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        journalImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "afkeeper",
				"POSTGRES_PASSWORD": "afkeeper",
				"POSTGRES_DB":       "journal",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(45 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("container runtime unavailable: %v [%s]", err, time.Since(start))
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("resolving container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("resolving mapped port: %v", err)
	}

	db := &JournalDB{Config: config.DatabaseConfig{
		Enabled:         true,
		Host:            host,
		Port:            port.Int(),
		User:            "afkeeper",
		Password:        "afkeeper",
		Name:            "journal",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		QueueSize:       64,
	}}
	db.Pool, err = postgres.NewPool(ctx, db.Config)
	if err != nil {
		t.Fatalf("connecting to journal database: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(db.Pool.Close)

	t.Logf("journal database ready at %s:%d [%s]", host, port.Int(), time.Since(start))
	return db
}

// Migrate applies every embedded schema migration.
//
// Postcondition: The session_logs table exists.
func (db *JournalDB) Migrate(t *testing.T) {
	t.Helper()
	res, err := postgres.Migrate(db.DSN(), "up", 0)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("schema at version %d", res.Version)
}

// DSN returns the connection string for the database.
func (db *JournalDB) DSN() string {
	return db.Config.DSN()
}
