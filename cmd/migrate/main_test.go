package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		t.Fatalf("unexpected error loading embedded migrations: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Fatalf("expected first migration version 1, got %d", migrations[0].Version)
	}
	if migrations[1].Version != 2 {
		t.Fatalf("expected second migration version 2, got %d", migrations[1].Version)
	}
	if migrations[0].UpSQL == "" || migrations[0].DownSQL == "" {
		t.Fatal("expected non-empty up/down sql for first migration")
	}
	if !strings.Contains(migrations[0].UpSQL, "scrape_runs") {
		t.Fatal("expected first migration to create scrape_runs")
	}
}

func TestLoadMigrationsRejectsBadSets(t *testing.T) {
	tests := []struct {
		name string
		fs   fstest.MapFS
	}{
		{"empty", fstest.MapFS{}},
		{"bad name", fstest.MapFS{"migrations/one.up.sql": {Data: []byte("SELECT 1")}}},
		{"missing down", fstest.MapFS{"migrations/001_init.up.sql": {Data: []byte("SELECT 1")}}},
		{"empty file", fstest.MapFS{
			"migrations/001_init.up.sql":   {Data: []byte("  ")},
			"migrations/001_init.down.sql": {Data: []byte("SELECT 1")},
		}},
		{"conflicting names", fstest.MapFS{
			"migrations/001_init.up.sql":    {Data: []byte("SELECT 1")},
			"migrations/001_other.down.sql": {Data: []byte("SELECT 1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadMigrations(tt.fs); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		args    []string
		command string
		steps   int
		wantErr bool
	}{
		{[]string{"up"}, cmdUp, 0, false},
		{[]string{"version"}, cmdVersion, 0, false},
		{[]string{"down"}, cmdDown, 1, false},
		{[]string{"down", "3"}, cmdDown, 3, false},
		{[]string{"down", "0"}, "", 0, true},
		{[]string{"sideways"}, "", 0, true},
		{nil, "", 0, true},
	}
	for _, tt := range tests {
		command, steps, err := parseArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%v: unexpected error state %v", tt.args, err)
		}
		if command != tt.command || steps != tt.steps {
			t.Fatalf("%v: got %s/%d", tt.args, command, steps)
		}
	}
}

func TestRunRequiresDSNBeforeConnecting(t *testing.T) {
	orig := openPool
	t.Cleanup(func() { openPool = orig })
	opened := false
	openPool = func(ctx context.Context, connString string) (*pgxpool.Pool, error) {
		opened = true
		return nil, errors.New("unreachable")
	}

	if err := run(context.Background(), zerolog.Nop(), []string{"up"}, ""); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
	if opened {
		t.Fatal("pool must not be opened without a DSN")
	}
}

func TestRunConnectFailure(t *testing.T) {
	orig := openPool
	t.Cleanup(func() { openPool = orig })
	openPool = func(ctx context.Context, connString string) (*pgxpool.Pool, error) {
		return nil, errors.New("connection refused")
	}

	err := run(context.Background(), zerolog.Nop(), []string{"up"}, "postgres://localhost/db")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected connect error, got %v", err)
	}
}

type fakeRows struct {
	pgx.Rows
	vals []int64
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.vals)
}

func (r *fakeRows) Scan(dest ...any) error {
	*dest[0].(*int64) = r.vals[r.i-1]
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

type fakeRow struct {
	version int64
	name    string
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.version
	*dest[1].(*string) = r.name
	return nil
}

type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.db.failOn != "" && strings.Contains(sql, t.db.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	t.db.execs = append(t.db.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeDB struct {
	applied []int64
	row     fakeRow
	failOn  string
	execs   []string
	commits int
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{vals: d.applied}, nil
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.row
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{db: d}, nil
}

var testMigrations = []migration{
	{Version: 1, Name: "create_scrape_runs", UpSQL: "CREATE TABLE scrape_runs ()", DownSQL: "DROP TABLE scrape_runs"},
	{Version: 2, Name: "add_net_worth", UpSQL: "ALTER TABLE scrape_runs ADD net_worth", DownSQL: "ALTER TABLE scrape_runs DROP net_worth"},
}

func TestMigratorUpSkipsApplied(t *testing.T) {
	db := &fakeDB{applied: []int64{1}}
	m := &migrator{db: db, log: zerolog.Nop(), migrations: testMigrations}

	n, err := m.up(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || db.commits != 1 {
		t.Fatalf("expected one applied migration, got %d (commits %d)", n, db.commits)
	}
	if len(db.execs) != 2 || db.execs[0] != testMigrations[1].UpSQL || !strings.Contains(db.execs[1], "INSERT INTO schema_migrations") {
		t.Fatalf("unexpected statements %v", db.execs)
	}
}

func TestMigratorUpStopsOnFailure(t *testing.T) {
	db := &fakeDB{failOn: "CREATE TABLE"}
	m := &migrator{db: db, log: zerolog.Nop(), migrations: testMigrations}

	n, err := m.up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "version 1 up failed") {
		t.Fatalf("expected version 1 failure, got %v", err)
	}
	if n != 0 || db.commits != 0 {
		t.Fatalf("nothing should be committed, got %d (commits %d)", n, db.commits)
	}
}

func TestMigratorDown(t *testing.T) {
	db := &fakeDB{applied: []int64{2}}
	m := &migrator{db: db, log: zerolog.Nop(), migrations: testMigrations}

	n, err := m.down(context.Background(), 1)
	if err != nil || n != 1 {
		t.Fatalf("expected one rollback, got %d, %v", n, err)
	}
	if db.execs[0] != testMigrations[1].DownSQL || !strings.Contains(db.execs[1], "DELETE FROM schema_migrations") {
		t.Fatalf("unexpected statements %v", db.execs)
	}

	if _, err := m.down(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero steps")
	}

	db.applied = []int64{9}
	if _, err := m.down(context.Background(), 1); err == nil {
		t.Fatal("expected error for unknown applied version")
	}
}

func TestMigratorCurrent(t *testing.T) {
	m := &migrator{db: &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}, log: zerolog.Nop()}
	v, name, err := m.current(context.Background())
	if err != nil || v != 0 || name != "" {
		t.Fatalf("expected empty version, got %d %q %v", v, name, err)
	}

	m.db = &fakeDB{row: fakeRow{version: 2, name: "add_net_worth"}}
	v, name, err = m.current(context.Background())
	if err != nil || v != 2 || name != "add_net_worth" {
		t.Fatalf("unexpected version %d %q %v", v, name, err)
	}
}
