//go:build integration

package sqlstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/sqlstore"
)

// newTestDB starts a throwaway Postgres container, applies the embedded
// schema, and returns a *bun.DB pointed at it. Gated behind -tags=integration
// and skipped under -short, following the pack's own testcontainers
// caution around requiring Docker.
func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cmdbus"),
		postgres.WithUsername("cmdbus"),
		postgres.WithPassword("cmdbus"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqlDB, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlstore.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCommandLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := sqlstore.NewCommandRepo(db)

	domain := "payments"
	commandID := uuid.New()
	now := time.Now()

	err := repo.Create(ctx, cmdbus.Command{
		Domain:      domain,
		CommandID:   commandID,
		CommandType: "Debit",
		Status:      cmdbus.StatusPending,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.Create(ctx, cmdbus.Command{Domain: domain, CommandID: commandID, MaxAttempts: 3}); err == nil {
		t.Fatal("expected duplicate create to fail")
	} else if err != cmdbus.ErrDuplicateCommand {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}

	cmd, ok, err := repo.Receive(ctx, domain, commandID, 42)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !ok {
		t.Fatal("expected receive to succeed")
	}
	if cmd.Status != cmdbus.StatusInProgress || cmd.Attempts != 1 {
		t.Fatalf("unexpected command after receive: %+v", cmd)
	}

	if err := repo.Fail(ctx, domain, commandID, cmdbus.ErrorInfo{Kind: "TRANSIENT", Code: "TMP"}, 1, 3); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := repo.Get(ctx, domain, commandID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != cmdbus.StatusInProgress {
		t.Fatalf("expected status to stay IN_PROGRESS after Fail, got %v", got.Status)
	}
	if got.LastError.Code != "TMP" {
		t.Fatalf("expected last error code TMP, got %q", got.LastError.Code)
	}

	if err := repo.Finish(ctx, domain, commandID, cmdbus.StatusCompleted, cmdbus.EventCompleted, cmdbus.ErrorInfo{}, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Second call with the same terminal status must be a silent no-op.
	if err := repo.Finish(ctx, domain, commandID, cmdbus.StatusCompleted, cmdbus.EventCompleted, cmdbus.ErrorInfo{}, nil); err != nil {
		t.Fatalf("finish (idempotent): %v", err)
	}
	got, err = repo.Get(ctx, domain, commandID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != cmdbus.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected COMPLETED with CompletedAt set, got %+v", got)
	}

	// A redelivered message for an already-terminal command must be
	// recognized, not re-dispatched.
	if _, ok, err := repo.Receive(ctx, domain, commandID, 99); err != nil {
		t.Fatalf("receive (stale): %v", err)
	} else if ok {
		t.Fatal("expected receive on a COMPLETED command to report ok=false")
	}
}

func TestTSQRetryResetsAttempts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := sqlstore.NewCommandRepo(db)

	domain := "payments"
	commandID := uuid.New()
	now := time.Now()
	if err := repo.Create(ctx, cmdbus.Command{Domain: domain, CommandID: commandID, MaxAttempts: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := repo.Receive(ctx, domain, commandID, 1); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := repo.Finish(ctx, domain, commandID, cmdbus.StatusInTroubleshootingQueue, cmdbus.EventMovedToTroubleshooting, cmdbus.ErrorInfo{Code: "DECLINED"}, nil); err != nil {
		t.Fatalf("finish to TSQ: %v", err)
	}

	if err := repo.Retry(ctx, domain, commandID, 2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := repo.Get(ctx, domain, commandID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != cmdbus.StatusPending || got.Attempts != 0 {
		t.Fatalf("expected PENDING with attempts reset, got %+v", got)
	}

	if err := repo.Retry(ctx, domain, commandID, 3); err != cmdbus.ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal retrying a non-TSQ command, got %v", err)
	}
}

func TestBatchRefreshStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	commands := sqlstore.NewCommandRepo(db)
	batches := sqlstore.NewBatchRepo(db)

	domain := "payments"
	batchID := uuid.New()
	now := time.Now()
	if err := batches.Create(ctx, cmdbus.Batch{Domain: domain, BatchID: batchID, Type: cmdbus.BatchTypeCommand, Status: cmdbus.BatchStatusPending, TotalCount: 2, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	ids := [2]uuid.UUID{uuid.New(), uuid.New()}
	for _, id := range ids {
		bid := batchID
		if err := commands.Create(ctx, cmdbus.Command{Domain: domain, CommandID: id, MaxAttempts: 1, BatchID: &bid, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("create command: %v", err)
		}
	}

	if _, _, err := commands.Receive(ctx, domain, ids[0], 1); err != nil {
		t.Fatalf("receive: %v", err)
	}
	b, err := batches.Get(ctx, domain, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != cmdbus.BatchStatusInProgress {
		t.Fatalf("expected batch to move to IN_PROGRESS on first receive, got %v", b.Status)
	}

	if err := commands.Finish(ctx, domain, ids[0], cmdbus.StatusCompleted, cmdbus.EventCompleted, cmdbus.ErrorInfo{}, nil); err != nil {
		t.Fatalf("finish 1: %v", err)
	}
	if _, _, err := commands.Receive(ctx, domain, ids[1], 2); err != nil {
		t.Fatalf("receive 2: %v", err)
	}
	if err := commands.Finish(ctx, domain, ids[1], cmdbus.StatusCompleted, cmdbus.EventCompleted, cmdbus.ErrorInfo{}, nil); err != nil {
		t.Fatalf("finish 2: %v", err)
	}

	b, firstCompletion, err := batches.RefreshStats(ctx, domain, batchID)
	if err != nil {
		t.Fatalf("refresh stats: %v", err)
	}
	if !firstCompletion {
		t.Fatal("expected first completion on this refresh")
	}
	if b.Completed != 2 || b.Status != cmdbus.BatchStatusCompleted || b.CompletedAt == nil {
		t.Fatalf("unexpected batch after completion: %+v", b)
	}

	if _, firstCompletion, err := batches.RefreshStats(ctx, domain, batchID); err != nil {
		t.Fatalf("refresh stats again: %v", err)
	} else if firstCompletion {
		t.Fatal("second refresh must not report firstCompletion again")
	}
}
