package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"portfolio-scraper/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type stubPool struct {
	sql      string
	args     []any
	execErr  error
	queryErr error
}

func (p *stubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sql, p.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), p.execErr
}

func (p *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.sql, p.args = sql, args
	return nil, p.queryErr
}

func TestRecordRunInsertsRow(t *testing.T) {
	pool := &stubPool{}
	repo := NewRunRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	nw := "301.00"
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := domain.RunRecord{
		ID:                "9b2f3c1e-4a7d-4e7b-9a51-3f1d2c4b5a60",
		Mode:              domain.ModeBoth,
		Status:            "degraded",
		RawOutcome:        "no_data",
		StructuredOutcome: "ok",
		RecordsWritten:    3,
		NetWorth:          &nw,
		StartedAt:         start,
		FinishedAt:        start.Add(time.Minute),
	}
	if err := repo.RecordRun(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(pool.sql, "INSERT INTO scrape_runs") {
		t.Fatalf("unexpected sql %s", pool.sql)
	}
	if len(pool.args) != 10 {
		t.Fatalf("expected 10 args, got %d", len(pool.args))
	}
	if pool.args[1] != "both" || pool.args[5] != 3 || pool.args[6] != &nw {
		t.Fatalf("unexpected args %v", pool.args)
	}
}

func TestRecordRunPropagatesError(t *testing.T) {
	pool := &stubPool{execErr: errors.New(`relation "scrape_runs" does not exist`)}
	repo := NewRunRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	if err := repo.RecordRun(context.Background(), domain.RunRecord{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecentRunsQueryError(t *testing.T) {
	pool := &stubPool{queryErr: errors.New("timeout")}
	repo := NewRunRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))

	if _, err := repo.RecentRuns(context.Background(), 5); err == nil {
		t.Fatal("expected error")
	}
	if pool.args[0] != 5 {
		t.Fatalf("expected limit arg, got %v", pool.args)
	}
}
