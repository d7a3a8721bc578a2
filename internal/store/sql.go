package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ingenieroredes/netvault/internal/model"
)

// Records are stored as JSON documents next to the columns queries filter
// on. Timestamps are unix nanoseconds so both dialects compare them the
// same way.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL,
		enrollment_hash TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS target_states (
		target_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		token_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fact_sets (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		collected_at BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS fact_sets_target_idx ON fact_sets (target_id, collected_at)`,
	`CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_level INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		alerting BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS findings_created_idx ON findings (created_at)`,
	`CREATE INDEX IF NOT EXISTS findings_target_idx ON findings (target_id, rule_id)`,
	`CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		started_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
}

// SQLStore implements Store on database/sql for sqlite and postgres
type SQLStore struct {
	db     *sql.DB
	driver string
	latest *lru.Cache[string, model.FactSet]
	logger *slog.Logger
	seq    atomic.Int64
}

// NewSQLStore opens the database, applies migrations and returns the store.
// driver is "sqlite" or "postgres".
func NewSQLStore(ctx context.Context, driver, dsn string, cacheSize int, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = 1024
	}
	latest, err := lru.New[string, model.FactSet](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fact set cache: %w", err)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		latest: latest,
		logger: logger,
	}
	// Insertion order tie-break for findings; seeded from the clock so it
	// keeps increasing across restarts.
	s.seq.Store(time.Now().UnixNano())

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQL store ready", "driver", driver)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
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

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertTarget creates or replaces a target
func (s *SQLStore) UpsertTarget(ctx context.Context, t model.Target) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO targets (id, enabled, enrollment_hash, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, enrollment_hash = excluded.enrollment_hash, doc = excluded.doc`,
		t.ID, t.Enabled, t.EnrollmentSecretHash, string(doc))
	if err != nil {
		return fmt.Errorf("failed to upsert target: %w", err)
	}
	return nil
}

func scanTarget(scan func(...interface{}) error) (model.Target, error) {
	var (
		t       model.Target
		enabled bool
		hash    string
		doc     string
	)
	if err := scan(&enabled, &hash, &doc); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return t, fmt.Errorf("failed to decode target: %w", err)
	}
	t.Enabled = enabled
	t.EnrollmentSecretHash = hash
	return t, nil
}

// GetTarget returns one target
func (s *SQLStore) GetTarget(ctx context.Context, id string) (model.Target, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT enabled, enrollment_hash, doc FROM targets WHERE id = ?`), id)
	t, err := scanTarget(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Target{}, fmt.Errorf("failed to get target: %w", err)
	}
	return t, nil
}

// ListTargets returns all targets sorted by id
func (s *SQLStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT enabled, enrollment_hash, doc FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// SetTargetEnabled flips the enabled flag of a target
func (s *SQLStore) SetTargetEnabled(ctx context.Context, id string, enabled bool) (model.Target, error) {
	t, err := s.GetTarget(ctx, id)
	if err != nil {
		return model.Target{}, err
	}
	t.Enabled = enabled
	if err := s.UpsertTarget(ctx, t); err != nil {
		return model.Target{}, err
	}
	return t, nil
}

// SaveTargetState records the schedule state of a target
func (s *SQLStore) SaveTargetState(ctx context.Context, st model.TargetState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode target state: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO target_states (target_id, doc) VALUES (?, ?)
		ON CONFLICT (target_id) DO UPDATE SET doc = excluded.doc`, st.TargetID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to save target state: %w", err)
	}
	return nil
}

// ListTargetStates returns all recorded target states sorted by target id
func (s *SQLStore) ListTargetStates(ctx context.Context) ([]model.TargetState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM target_states ORDER BY target_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query target states: %w", err)
	}
	defer rows.Close()

	var out []model.TargetState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan target state: %w", err)
		}
		var st model.TargetState
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, fmt.Errorf("failed to decode target state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertAgent creates or replaces an agent
func (s *SQLStore) UpsertAgent(ctx context.Context, a model.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode agent: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO agents (id, target_id, token_fingerprint, status, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET target_id = excluded.target_id, token_fingerprint = excluded.token_fingerprint,
		status = excluded.status, doc = excluded.doc`,
		a.ID, a.TargetID, a.TokenFingerprint, string(a.Status), string(doc))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func scanAgent(scan func(...interface{}) error) (model.Agent, error) {
	var (
		a   model.Agent
		fp  string
		doc string
	)
	if err := scan(&fp, &doc); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return a, fmt.Errorf("failed to decode agent: %w", err)
	}
	a.TokenFingerprint = fp
	return a, nil
}

// GetAgent returns one agent
func (s *SQLStore) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT token_fingerprint, doc FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents sorted by id
func (s *SQLStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_fingerprint, doc FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendFactSet stores a fact set; duplicates by id are ignored
func (s *SQLStore) AppendFactSet(ctx context.Context, fs model.FactSet) error {
	doc, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to encode fact set: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO fact_sets (id, target_id, collected_at, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, fs.ID, fs.TargetID, nanos(fs.CollectedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to append fact set: %w", err)
	}

	if cur, ok := s.latest.Get(fs.TargetID); replacesLatest(cur, ok, fs) {
		s.latest.Add(fs.TargetID, fs.Clone())
	}
	return nil
}

// LatestFactSet returns the most recent successful fact set of a target,
// or its most recent error record when it never collected successfully
func (s *SQLStore) LatestFactSet(ctx context.Context, targetID string) (model.FactSet, error) {
	if fs, ok := s.latest.Get(targetID); ok {
		return fs.Clone(), nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT doc FROM fact_sets WHERE target_id = ?
		ORDER BY collected_at DESC, id DESC`), targetID)
	if err != nil {
		return model.FactSet{}, fmt.Errorf("failed to get latest fact set: %w", err)
	}
	defer rows.Close()

	var (
		latest model.FactSet
		found  bool
	)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return model.FactSet{}, fmt.Errorf("failed to scan fact set: %w", err)
		}
		var fs model.FactSet
		if err := json.Unmarshal([]byte(doc), &fs); err != nil {
			return model.FactSet{}, fmt.Errorf("failed to decode fact set: %w", err)
		}
		if replacesLatest(latest, found, fs) {
			latest, found = fs, true
		}
		if !fs.IsError() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return model.FactSet{}, fmt.Errorf("error iterating rows: %w", err)
	}
	if !found {
		return model.FactSet{}, fmt.Errorf("fact set for %s: %w", targetID, ErrNotFound)
	}
	s.latest.Add(targetID, latest)
	return latest.Clone(), nil
}

// AppendFindings stores findings in one transaction; duplicates by id are
// ignored
func (s *SQLStore) AppendFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO findings
		(id, target_id, rule_id, run_id, severity, severity_level, verdict, alerting, created_at, seq, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	seq := s.seq.Add(int64(len(findings))) - int64(len(findings))
	for i, f := range findings {
		doc, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode finding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.TargetID, f.RuleID, f.RunID, string(f.Severity), f.Severity.Level(),
			string(f.Verdict), f.Alerting, nanos(f.CreatedAt), seq+int64(i), string(doc)); err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}
	return nil
}

// ListFindings returns matching findings oldest first
func (s *SQLStore) ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if filter.TargetID != "" {
		add("target_id = ?", filter.TargetID)
	}
	if filter.RuleID != "" {
		add("rule_id = ?", filter.RuleID)
	}
	if filter.RunID != "" {
		add("run_id = ?", filter.RunID)
	}
	if filter.Severity != "" {
		add("severity = ?", string(filter.Severity))
	}
	if filter.MinSeverity != "" {
		add("severity_level >= ?", filter.MinSeverity.Level())
	}
	if filter.Verdict != "" {
		add("verdict = ?", string(filter.Verdict))
	}
	if filter.Alerting != nil {
		add("alerting = ?", *filter.Alerting)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", nanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		add("created_at <= ?", nanos(filter.Until))
	}

	query := `SELECT doc FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rule_id DESC, seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		var f model.Finding
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			return nil, fmt.Errorf("failed to decode finding: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Rows arrive newest first so LIMIT keeps the newest; flip to oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveRun creates or replaces an audit run
func (s *SQLStore) SaveRun(ctx context.Context, run model.AuditRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO audit_runs (id, started_at, status, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		run.ID, nanos(run.StartedAt), string(run.Status), string(doc))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns one audit run
func (s *SQLStore) GetRun(ctx context.Context, id string) (model.AuditRun, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM audit_runs WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.AuditRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	var run model.AuditRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return model.AuditRun{}, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]model.AuditRun, error) {
	query := `SELECT doc FROM audit_runs ORDER BY started_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRun
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run model.AuditRun
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
