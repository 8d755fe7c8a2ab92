package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/auditia/framework"
)

// SQLiteStore is the durable backend for escalation records and reports.
// Record versions are integer counters, so compare-and-swap holds across
// processes sharing the database file. Sessions and the action trace live in
// the same database behind Sessions and Actions.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteSessionStore is the SessionStore view of a SQLiteStore.
type SQLiteSessionStore struct {
	db *sql.DB
}

// SQLiteActionLog is the ActionLog view of a SQLiteStore.
type SQLiteActionLog struct {
	db *sql.DB
}

var (
	_ EscalationStore = (*SQLiteStore)(nil)
	_ ReportStore     = (*SQLiteStore)(nil)
	_ SessionStore    = (*SQLiteSessionStore)(nil)
	_ ActionLog       = (*SQLiteActionLog)(nil)
)

// Sessions returns the session store sharing this database.
func (s *SQLiteStore) Sessions() *SQLiteSessionStore { return &SQLiteSessionStore{db: s.db} }

// Actions returns the action log sharing this database.
func (s *SQLiteStore) Actions() *SQLiteActionLog { return &SQLiteActionLog{db: s.db} }

// NewSQLiteStore opens/creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS escalation_records (
		client_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (client_id, session_id, tier)
	);
	CREATE TABLE IF NOT EXISTS record_versions (
		client_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		last_version INTEGER NOT NULL,
		PRIMARY KEY (client_id, session_id, tier)
	);
	CREATE TABLE IF NOT EXISTS reports (
		client_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (client_id, session_id)
	);
	CREATE TABLE IF NOT EXISTS sessions (
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		state TEXT NOT NULL,
		last_update_time INTEGER NOT NULL,
		PRIMARY KEY (app_name, user_id, session_id)
	);
	CREATE TABLE IF NOT EXISTS agent_actions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		action TEXT NOT NULL,
		task_id TEXT,
		client_id TEXT,
		session_id TEXT,
		details TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_created ON agent_actions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatVersion(v int64) string { return strconv.FormatInt(v, 10) }

// Load reads the pending record for (ref, tier).
func (s *SQLiteStore) Load(ctx context.Context, ref framework.CaseRef, tier framework.Tier) (*framework.Record, error) {
	var payload string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM escalation_records WHERE client_id = ? AND session_id = ? AND tier = ?`,
		ref.ClientID, ref.SessionID, string(tier),
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s record for %s: %w", tier, ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s record: %w", tier, err)
	}
	var rec framework.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("%s record for %s: %w: %v", tier, ref, ErrMalformed, err)
	}
	rec.Tier = tier
	rec.Version = formatVersion(version)
	if rec.Documents == nil {
		rec.Documents = []string{}
	}
	return &rec, nil
}

// Create inserts a new record, failing with ErrConflict when one is pending.
func (s *SQLiteStore) Create(ctx context.Context, rec *framework.Record) error {
	return s.Transition(ctx, nil, rec)
}

// Transition consumes current and creates next inside one transaction.
func (s *SQLiteStore) Transition(ctx context.Context, current, next *framework.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if current != nil {
		version, err := strconv.ParseInt(current.Version, 10, 64)
		if err != nil {
			return fmt.Errorf("%s record version %q: %w", current.Tier, current.Version, ErrConflict)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM escalation_records WHERE client_id = ? AND session_id = ? AND tier = ? AND version = ?`,
			current.ClientID, current.SessionID, string(current.Tier), version,
		)
		if err != nil {
			return fmt.Errorf("failed to consume %s record: %w", current.Tier, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s record for %s changed or consumed: %w", current.Tier, current.Case(), ErrConflict)
		}
	}
	if next != nil {
		if err := insertRecord(ctx, tx, next); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *framework.Record) error {
	if !rec.Tier.Valid() || rec.Tier == framework.TierAssistant {
		return fmt.Errorf("tier %q has no escalation record", rec.Tier)
	}
	rec.Action = framework.ActionForTier(rec.Tier)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Versions never repeat for a key, even across delete and re-create, so a
	// stale version can not match a newer record.
	var version int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO record_versions (client_id, session_id, tier, last_version) VALUES (?, ?, ?, 1)
		ON CONFLICT(client_id, session_id, tier) DO UPDATE SET last_version = last_version + 1
		RETURNING last_version`,
		rec.ClientID, rec.SessionID, string(rec.Tier),
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to allocate record version: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO escalation_records (client_id, session_id, tier, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, session_id, tier) DO NOTHING`,
		rec.ClientID, rec.SessionID, string(rec.Tier), version, string(payload), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s record: %w", rec.Tier, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s record for %s: %w", rec.Tier, rec.Case(), ErrConflict)
	}
	rec.Version = formatVersion(version)
	return nil
}

// Pending lists tiers with a record for ref, highest priority first.
func (s *SQLiteStore) Pending(ctx context.Context, ref framework.CaseRef) ([]framework.Tier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier FROM escalation_records WHERE client_id = ? AND session_id = ?`,
		ref.ClientID, ref.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tiers: %w", err)
	}
	defer rows.Close()
	present := map[framework.Tier]bool{}
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return nil, err
		}
		present[framework.Tier(tier)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var tiers []framework.Tier
	for _, tier := range framework.DispatchOrder {
		if present[tier] {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// List returns every pending record oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*framework.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, version, payload FROM escalation_records ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	var records []*framework.Record
	for rows.Next() {
		var tier, payload string
		var version int64
		if err := rows.Scan(&tier, &version, &payload); err != nil {
			return nil, err
		}
		var rec framework.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		rec.Tier = framework.Tier(tier)
		rec.Version = formatVersion(version)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SaveReport inserts the report once.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *framework.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (client_id, session_id, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, session_id) DO NOTHING`,
		report.ClientID, report.SessionID, string(payload), report.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("report for %s: %w", report.Case(), ErrReportExists)
	}
	return nil
}

// LoadReport reads a stored report.
func (s *SQLiteStore) LoadReport(ctx context.Context, ref framework.CaseRef) (*framework.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM reports WHERE client_id = ? AND session_id = ?`,
		ref.ClientID, ref.SessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report for %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	var report framework.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("report for %s: %w: %v", ref, ErrMalformed, err)
	}
	return &report, nil
}

// ListReports returns reports newest first, optionally for one client.
func (s *SQLiteStore) ListReports(ctx context.Context, clientID string) ([]*framework.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM reports WHERE (? = '' OR client_id = ?) ORDER BY created_at DESC`,
		clientID, clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()
	var reports []*framework.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var report framework.Report
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			continue
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

func (s *SQLiteSessionStore) Get(ctx context.Context, key SessionKey) (*Session, error) {
	var state string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, last_update_time FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		key.AppName, key.UserID, key.SessionID,
	).Scan(&state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(key, state, updated)
}

func decodeSession(key SessionKey, state string, updated int64) (*Session, error) {
	sess := &Session{SessionKey: key, LastUpdateTime: time.Unix(0, updated).UTC()}
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return nil, fmt.Errorf("session %s: %w: %v", key.SessionID, ErrMalformed, err)
	}
	if sess.State == nil {
		sess.State = map[string]interface{}{}
	}
	return sess, nil
}

func (s *SQLiteSessionStore) Create(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	sess := &Session{SessionKey: key, State: mergeState(nil, state), LastUpdateTime: time.Now().UTC()}
	payload, err := json.Marshal(sess.State)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (app_name, user_id, session_id, state, last_update_time) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(app_name, user_id, session_id) DO NOTHING`,
		key.AppName, key.UserID, key.SessionID, string(payload), sess.LastUpdateTime.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrConflict)
	}
	return sess, nil
}

func (s *SQLiteSessionStore) Update(ctx context.Context, key SessionKey, state map[string]interface{}) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	var raw string
	var updated int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, last_update_time FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		key.AppName, key.UserID, key.SessionID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", key.SessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	sess, err := decodeSession(key, raw, updated)
	if err != nil {
		return nil, err
	}
	sess.State = mergeState(sess.State, state)
	sess.LastUpdateTime = time.Now().UTC()
	payload, err := json.Marshal(sess.State)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_update_time = ? WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		string(payload), sess.LastUpdateTime.UnixNano(), key.AppName, key.UserID, key.SessionID,
	); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, key SessionKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		key.AppName, key.UserID, key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) ListForUser(ctx context.Context, appName, userID string) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT app_name, user_id, session_id, state, last_update_time FROM sessions
		 WHERE app_name = ? AND user_id = ? ORDER BY last_update_time DESC`, appName, userID)
}

func (s *SQLiteSessionStore) ListAll(ctx context.Context, appName string) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT app_name, user_id, session_id, state, last_update_time FROM sessions
		 WHERE (? = '' OR app_name = ?) ORDER BY last_update_time DESC`, appName, appName)
}

func (s *SQLiteSessionStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var key SessionKey
		var state string
		var updated int64
		if err := rows.Scan(&key.AppName, &key.UserID, &key.SessionID, &state, &updated); err != nil {
			return nil, err
		}
		sess, err := decodeSession(key, state, updated)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append stores an agent action.
func (s *SQLiteActionLog) Append(ctx context.Context, action AgentAction) (AgentAction, error) {
	action = normalizeAction(action)
	details, err := json.Marshal(action.Details)
	if err != nil {
		return action, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_actions (id, agent_name, action, task_id, client_id, session_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.AgentName, action.Action, action.TaskID, action.ClientID, action.SessionID,
		string(details), action.Timestamp.UnixNano(),
	)
	if err != nil {
		return action, fmt.Errorf("failed to append action: %w", err)
	}
	return action, nil
}

// Query returns matching actions oldest first.
func (s *SQLiteActionLog) Query(ctx context.Context, filter ActionFilter) ([]AgentAction, error) {
	query := `SELECT id, agent_name, action, task_id, client_id, session_id, details, created_at FROM (
		SELECT * FROM agent_actions
		WHERE (? = '' OR agent_name = ?)
		  AND (? = '' OR action = ?)
		  AND (? = '' OR task_id = ?)
		  AND (? = '' OR client_id = ?)
		  AND created_at >= ?
		ORDER BY created_at DESC`
	args := []interface{}{
		filter.AgentName, filter.AgentName,
		filter.Action, filter.Action,
		filter.TaskID, filter.TaskID,
		filter.ClientID, filter.ClientID,
		sinceNanos(filter.Since),
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()
	var out []AgentAction
	for rows.Next() {
		var a AgentAction
		var taskID, clientID, sessionID, details sql.NullString
		var created int64
		if err := rows.Scan(&a.ID, &a.AgentName, &a.Action, &taskID, &clientID, &sessionID, &details, &created); err != nil {
			return nil, err
		}
		a.TaskID, a.ClientID, a.SessionID = taskID.String, clientID.String, sessionID.String
		a.Timestamp = time.Unix(0, created).UTC()
		if details.Valid && details.String != "" && details.String != "null" {
			_ = json.Unmarshal([]byte(details.String), &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
