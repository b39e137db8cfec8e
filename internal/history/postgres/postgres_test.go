package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/craftvisor/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	code := -1
	records := []history.Record{
		{Server: "survival", Type: "start", OccurredAt: time.Now().UTC()},
		{Server: "survival", Type: "command", Detail: "say hello", OccurredAt: time.Now().UTC()},
		{Server: "survival", Type: "close", ExitCode: &code, OccurredAt: time.Now().UTC()},
	}
	for _, r := range records {
		if err := sink.Send(ctx, r); err != nil {
			t.Fatalf("Failed to send %s record: %v", r.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM server_history WHERE server = $1", "survival").Scan(&count); err != nil {
		t.Fatalf("Failed to query server_history: %v", err)
	}
	if count != len(records) {
		t.Errorf("Expected %d records in history, got %d", len(records), count)
	}

	var exit int
	if err := sink.db.QueryRowContext(ctx, "SELECT exit_code FROM server_history WHERE type = 'close'").Scan(&exit); err != nil {
		t.Fatalf("Failed to query exit code: %v", err)
	}
	if exit != -1 {
		t.Errorf("Expected exit code -1, got %d", exit)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("Expected error for empty DSN")
	}
}
