package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"

	// PostgreSQL driver
	_ "github.com/lib/pq"
	// Import pure-Go SQLite driver for database/sql (no CGO required)
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a history backend usable by the aggregator and the history command
type Store interface {
	StartExecution(ctx context.Context, scenario types.Scenario) (string, error)
	GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error)
	AddOutputLine(ctx context.Context, id string, line types.OutputLine) error
	AddAttackOutputLine(ctx context.Context, id, attackID string, line types.OutputLine) error
	UpdateAttackStatus(ctx context.Context, id, attackID string, status types.AttackStatus) error
	CompleteExecution(ctx context.Context, id string, status types.ExecutionStatus) error
	ListExecutions(ctx context.Context, scenarioID string, limit int) ([]types.ExecutionRecord, error)
	Close() error
}

// SQLStore keeps executions in SQLite or PostgreSQL
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and creates the schema. For sqlite the dsn is
// a file path whose directory is created if needed.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
	default:
		return nil, gzerrors.Wrapf(gzerrors.ErrInvalidConfig, "unsupported history driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite works best with a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history tables: %w", err)
	}
	log.Debug("History store ready (%s)", driver)
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			start_ns BIGINT NOT NULL,
			end_ns BIGINT,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_scenario ON executions(scenario_id, start_ns)`,
		`CREATE TABLE IF NOT EXISTS execution_attacks (
			execution_id TEXT NOT NULL,
			attack_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (execution_id, attack_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_output (
			id ` + serial + `,
			execution_id TEXT NOT NULL,
			attack_id TEXT NOT NULL,
			content TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts_ns BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_output_execution ON execution_output(execution_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) StartExecution(ctx context.Context, scenario types.Scenario) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO executions (id, scenario_id, start_ns, status) VALUES (?, ?, ?, ?)`),
		id, scenario.ID, s.now().UnixNano(), string(types.ExecutionRunning)); err != nil {
		return "", fmt.Errorf("failed to insert execution: %w", err)
	}
	for i, at := range scenario.Attacks {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO execution_attacks (execution_id, attack_id, position, status) VALUES (?, ?, ?, ?)`),
			id, at.ID, i, string(types.AttackPending)); err != nil {
			return "", fmt.Errorf("failed to insert attack %s: %w", at.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// header loads the execution row alone
func (s *SQLStore) header(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	var (
		rec     types.ExecutionRecord
		startNs int64
		endNs   sql.NullInt64
		status  string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, scenario_id, start_ns, end_ns, status FROM executions WHERE id = ?`), id).
		Scan(&rec.ID, &rec.ScenarioID, &startNs, &endNs, &status)
	if err == sql.ErrNoRows {
		return nil, gzerrors.Wrapf(gzerrors.ErrExecutionNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, err
	}

	rec.StartTime = time.Unix(0, startNs)
	if endNs.Valid {
		end := time.Unix(0, endNs.Int64)
		rec.EndTime = &end
	}
	rec.Status = types.ExecutionStatus(status)
	return &rec, nil
}

func (s *SQLStore) attacks(ctx context.Context, id string) ([]types.AttackRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT attack_id, status FROM execution_attacks WHERE execution_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []types.AttackRecord
	for rows.Next() {
		var at types.AttackRecord
		var status string
		if err := rows.Scan(&at.AttackID, &status); err != nil {
			return nil, err
		}
		at.Status = types.AttackStatus(status)
		out = append(out, at)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	rec, err := s.header(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Attacks, err = s.attacks(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT attack_id, content, severity, ts_ns FROM execution_output WHERE execution_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	rec.AttackOutput = make(map[string][]types.OutputLine)
	for rows.Next() {
		var line types.OutputLine
		var severity string
		var tsNs int64
		if err := rows.Scan(&line.AttackID, &line.Content, &severity, &tsNs); err != nil {
			return nil, err
		}
		line.Severity = types.Severity(severity)
		line.Timestamp = time.Unix(0, tsNs)
		rec.GlobalOutput = append(rec.GlobalOutput, line)
		if line.AttackID != "" {
			rec.AttackOutput[line.AttackID] = append(rec.AttackOutput[line.AttackID], line)
		}
	}
	return rec, rows.Err()
}

func (s *SQLStore) AddOutputLine(ctx context.Context, id string, line types.OutputLine) error {
	return s.AddAttackOutputLine(ctx, id, "", line)
}

// AddAttackOutputLine stores a line; an empty attackID makes it global only
func (s *SQLStore) AddAttackOutputLine(ctx context.Context, id, attackID string, line types.OutputLine) error {
	res, err := s.exec(ctx, `INSERT INTO execution_output (execution_id, attack_id, content, severity, ts_ns)
		SELECT id, CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT) FROM executions WHERE id = ?`,
		attackID, line.Content, string(line.Severity), line.Timestamp.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to insert output line: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return gzerrors.Wrapf(gzerrors.ErrExecutionNotFound, "execution %s", id)
	}
	return nil
}

// UpdateAttackStatus applies forward transitions only; regressions are
// silently ignored
func (s *SQLStore) UpdateAttackStatus(ctx context.Context, id, attackID string, status types.AttackStatus) error {
	if _, err := s.header(ctx, id); err != nil {
		return err
	}

	var current string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM execution_attacks WHERE execution_id = ? AND attack_id = ?`), id, attackID).
		Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.exec(ctx, `INSERT INTO execution_attacks (execution_id, attack_id, position, status)
			SELECT CAST(? AS TEXT), CAST(? AS TEXT), COUNT(*), CAST(? AS TEXT) FROM execution_attacks WHERE execution_id = ?`,
			id, attackID, string(status), id)
		return err
	case err != nil:
		return err
	}

	if !types.AttackStatus(current).CanAdvance(status) {
		return nil
	}
	_, err = s.exec(ctx, `UPDATE execution_attacks SET status = ? WHERE execution_id = ? AND attack_id = ?`,
		string(status), id, attackID)
	return err
}

func (s *SQLStore) CompleteExecution(ctx context.Context, id string, status types.ExecutionStatus) error {
	res, err := s.exec(ctx, `UPDATE executions SET status = ?, end_ns = ? WHERE id = ? AND end_ns IS NULL`,
		string(status), s.now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	if _, err := s.header(ctx, id); err != nil {
		return err
	}
	return gzerrors.Wrapf(gzerrors.ErrExecutionFinalized, "execution %s", id)
}

// ListExecutions returns the scenario's executions, newest first, without
// their output. limit <= 0 returns all of them.
func (s *SQLStore) ListExecutions(ctx context.Context, scenarioID string, limit int) ([]types.ExecutionRecord, error) {
	query := `SELECT id FROM executions WHERE scenario_id = ? ORDER BY start_ns DESC`
	args := []any{scenarioID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]types.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.header(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Attacks, err = s.attacks(ctx, id); err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
