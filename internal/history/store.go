// Package history records benchmark reports in a local SQLite database so
// runs can be compared over time.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"llmdispatch/internal/benchmark"
	"llmdispatch/internal/models"

	// Registers the pure-Go driver as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is a benchmark history database.
type Store struct {
	db *sql.DB
}

// Run is one recorded benchmark.
type Run struct {
	ID         int64            `json:"id" yaml:"id"`
	RecordedAt time.Time        `json:"recorded_at" yaml:"recorded_at"`
	Report     benchmark.Report `json:"report" yaml:"report"`
}

// ProviderResult is the per-provider summary of one recorded run.
type ProviderResult struct {
	RunID        int64           `json:"run_id" yaml:"run_id"`
	RecordedAt   time.Time       `json:"recorded_at" yaml:"recorded_at"`
	Provider     string          `json:"provider" yaml:"provider"`
	Attempts     int             `json:"attempts" yaml:"attempts"`
	Successes    int             `json:"successes" yaml:"successes"`
	SuccessRate  float64         `json:"success_rate" yaml:"success_rate"`
	LatencyMean  models.Duration `json:"latency_mean_ms" yaml:"latency_mean_ms"`
	LatencyP95   models.Duration `json:"latency_p95_ms" yaml:"latency_p95_ms"`
	FirstByteP95 models.Duration `json:"first_byte_p95_ms" yaml:"first_byte_p95_ms"`
}

// Open opens or creates the database at path and applies pending migrations.
// The parent directory must exist.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("history: parent directory %q: %w", dir, err)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping %q: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores report and returns the new run id.
func (s *Store) Record(ctx context.Context, report benchmark.Report, at time.Time) (int64, error) {
	encoded, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("history: encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO benchmark_runs (recorded_at, rounds, timed_out, success_rate, elapsed_ms, report)
		VALUES (?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), report.Rounds, report.TimedOut, report.SuccessRate,
		report.Elapsed.Milliseconds(), string(encoded))
	if err != nil {
		return 0, fmt.Errorf("history: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: run id: %w", err)
	}

	for _, p := range report.Providers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO provider_results
				(run_id, provider, attempts, successes, success_rate, latency_mean_ms, latency_p95_ms, first_byte_p95_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Provider, p.Attempts, p.Successes, p.SuccessRate,
			p.Latency.Mean.Milliseconds(), p.Latency.P95.Milliseconds(), p.FirstByte.P95.Milliseconds())
		if err != nil {
			return 0, fmt.Errorf("history: insert %s result: %w", p.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recorded_at, report FROM benchmark_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			recordedAt string
			encoded    string
		)
		if err := rows.Scan(&run.ID, &recordedAt, &encoded); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		if run.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("history: run %d timestamp: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(encoded), &run.Report); err != nil {
			return nil, fmt.Errorf("history: decode run %d: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ProviderTrend returns the last limit results for provider, newest first.
func (s *Store) ProviderTrend(ctx context.Context, provider string, limit int) ([]ProviderResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, b.recorded_at, r.provider, r.attempts, r.successes, r.success_rate,
		       r.latency_mean_ms, r.latency_p95_ms, r.first_byte_p95_ms
		FROM provider_results r JOIN benchmark_runs b ON b.id = r.run_id
		WHERE r.provider = ?
		ORDER BY r.run_id DESC
		LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query %s trend: %w", provider, err)
	}
	defer rows.Close()

	var out []ProviderResult
	for rows.Next() {
		var (
			r                   ProviderResult
			recordedAt          string
			mean, p95, firstP95 float64
		)
		if err := rows.Scan(&r.RunID, &recordedAt, &r.Provider, &r.Attempts, &r.Successes, &r.SuccessRate, &mean, &p95, &firstP95); err != nil {
			return nil, fmt.Errorf("history: scan trend: %w", err)
		}
		if r.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("history: run %d timestamp: %w", r.RunID, err)
		}
		r.LatencyMean = fromMillis(mean)
		r.LatencyP95 = fromMillis(p95)
		r.FirstByteP95 = fromMillis(firstP95)
		out = append(out, r)
	}
	return out, rows.Err()
}

func fromMillis(ms float64) models.Duration {
	return models.Duration(ms * float64(time.Millisecond))
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("history: schema version: %w", err)
	}
	return version, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER NOT NULL PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TEXT    NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("history: migrations table: %w", err)
	}

	pending, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}

	for _, m := range pending {
		var applied int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&applied); err != nil {
			return fmt.Errorf("history: check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("history: apply %s: %w", m.name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

func loadMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		prefix, _, ok := strings.Cut(d.Name(), "_")
		if !ok {
			return fmt.Errorf("migration %s lacks a version prefix", d.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("migration %s: %w", d.Name(), err)
		}
		content, err := migrations.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, migration{version: version, name: d.Name(), sql: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no migrations embedded")
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}
