// Command migrate-jobs copies job records from a JSON job directory into
// Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"bitriver-vod/internal/jobs"
)

func main() {
	jsonDir := flag.String("json-dir", "", "JSON job record directory to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	overwrite := flag.Bool("overwrite", false, "replace records that already exist in Postgres")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("BITRIVER_VOD_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, BITRIVER_VOD_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}
	if strings.TrimSpace(*jsonDir) == "" {
		logger.Error("--json-dir is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	source, err := jobs.NewJSONStore(*jsonDir)
	if err != nil {
		logger.Error("failed to open JSON job store", "error", err)
		os.Exit(1)
	}
	target, err := jobs.NewPostgresStore(ctx, jobs.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to open postgres job store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = target.Close(context.Background())
	}()

	stats, err := migrate(ctx, source, target, *overwrite)
	if err != nil {
		logger.Error("migration failed", "error", err, "created", stats.Created, "updated", stats.Updated, "skipped", stats.Skipped)
		os.Exit(1)
	}
	if err := verify(ctx, source, target); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "created", stats.Created, "updated", stats.Updated, "skipped", stats.Skipped)
}

type migrateStats struct {
	Created int
	Updated int
	Skipped int
}

// migrate copies every source record into target. Existing target records
// are kept unless overwrite is set.
func migrate(ctx context.Context, source, target jobs.Store, overwrite bool) (migrateStats, error) {
	var stats migrateStats
	records, err := source.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("list source records: %w", err)
	}
	for _, rec := range records {
		err := target.Create(ctx, rec)
		switch {
		case err == nil:
			stats.Created++
		case errors.Is(err, jobs.ErrJobExists) && overwrite:
			if err := target.Update(ctx, rec); err != nil {
				return stats, fmt.Errorf("update %s: %w", rec.ID, err)
			}
			stats.Updated++
		case errors.Is(err, jobs.ErrJobExists):
			stats.Skipped++
		default:
			return stats, fmt.Errorf("create %s: %w", rec.ID, err)
		}
	}
	return stats, nil
}

// verify checks that every source record is present in target.
func verify(ctx context.Context, source, target jobs.Store) error {
	records, err := source.List(ctx)
	if err != nil {
		return fmt.Errorf("list source records: %w", err)
	}
	var missing []string
	for _, rec := range records {
		if _, err := target.Get(ctx, rec.ID); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				missing = append(missing, rec.ID)
				continue
			}
			return fmt.Errorf("get %s: %w", rec.ID, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d records missing after migration: %s", len(missing), strings.Join(missing, ", "))
	}
	return nil
}
