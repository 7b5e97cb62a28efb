//go:build postgres

package jobs

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func openPostgresStoreForTest(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("BITRIVER_VOD_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("BITRIVER_VOD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, MaxConns: 4, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open postgres job store: %v", err)
	}
	if _, err := store.pool.Exec(ctx, `TRUNCATE TABLE vod_jobs`); err != nil {
		t.Fatalf("truncate vod_jobs: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = store.pool.Exec(cleanupCtx, `TRUNCATE TABLE vod_jobs`)
		_ = store.Close(context.Background())
	})
	return store
}

func TestPostgresStore(t *testing.T) {
	store := openPostgresStoreForTest(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	exerciseStore(t, store)
}

func TestPostgresStoreClosedPool(t *testing.T) {
	store := openPostgresStoreForTest(t)
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.Get(context.Background(), "job-a"); err == nil {
		t.Fatal("expected error from closed pool")
	}
}
