package repository

import (
	"context"

	"portfolio-scraper/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RunRepository stores one row per scrape run in scrape_runs.
type RunRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewRunRepository(pool PgxPool, tracer trace.Tracer) *RunRepository {
	return &RunRepository{pool: pool, tracer: tracer}
}

func (r *RunRepository) RecordRun(ctx context.Context, rec domain.RunRecord) error {
	ctx, span := r.tracer.Start(ctx, "run-repo.record-run")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO scrape_runs
		     (id, mode, status, raw_outcome, structured_outcome, records_written, net_worth, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, string(rec.Mode), rec.Status, rec.RawOutcome, rec.StructuredOutcome,
		rec.RecordsWritten, rec.NetWorth, rec.Error, rec.StartedAt, rec.FinishedAt,
	)
	return err
}

// RecentRuns returns up to limit runs, newest first.
func (r *RunRepository) RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	ctx, span := r.tracer.Start(ctx, "run-repo.recent-runs")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, mode, status, raw_outcome, structured_outcome, records_written,
		        net_worth::text, error, started_at, finished_at
		 FROM scrape_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var (
			rec  domain.RunRecord
			mode string
		)
		if err := rows.Scan(&rec.ID, &mode, &rec.Status, &rec.RawOutcome, &rec.StructuredOutcome,
			&rec.RecordsWritten, &rec.NetWorth, &rec.Error, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Mode = domain.Mode(mode)
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
