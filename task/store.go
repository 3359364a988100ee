package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/rollout/internal/errs"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS task_records (
	name            TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL DEFAULT '',
	pod_type        TEXT NOT NULL,
	pod_index       INTEGER NOT NULL DEFAULT 0,
	pod_instance    TEXT NOT NULL,
	goal            TEXT NOT NULL,
	image           TEXT NOT NULL DEFAULT '',
	cmd             TEXT NOT NULL DEFAULT '',
	env             TEXT NOT NULL DEFAULT '{}',
	labels          TEXT NOT NULL DEFAULT '{}',
	status_state    TEXT,
	status_message  TEXT,
	status_sequence INTEGER,
	status_healthy  INTEGER,
	status_at       DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_records_task_id ON task_records(task_id) WHERE task_id <> '';
CREATE INDEX IF NOT EXISTS idx_task_records_pod ON task_records(pod_instance);
`

const selectColumns = `name, task_id, pod_type, pod_index, pod_instance, goal, image, cmd, env, labels,
	status_state, status_message, status_sequence, status_healthy, status_at`

// SQLiteStore persists task records in a SQLite database.
//
// The status launch id is not stored separately: a status row always
// belongs to the record's task_id column, so a mismatched pair cannot be
// written.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas put the database in WAL mode, where readers never block the
// writer, and make a writer wait for the write lock instead of failing.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// maxOpenConns bounds the connection pool. Every write is a single
// conditional statement, so connections never hold a lock across calls.
const maxOpenConns = 8

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the task_records table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(dbPath, "file:") + sep + sqlitePragmas
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Register persists a new task declaration.
func (s *SQLiteStore) Register(info Info) error {
	if err := validateInfo(info); err != nil {
		return err
	}
	env, _ := json.Marshal(info.Env)
	labels, _ := json.Marshal(info.Labels)
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO task_records
			(name, task_id, pod_type, pod_index, pod_instance, goal, image, cmd, env, labels, created_at, updated_at)
		VALUES (?,'',?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO NOTHING`,
		info.Name, info.PodType, info.PodIndex, info.PodInstance, string(info.Goal),
		info.Image, info.Cmd, string(env), string(labels), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", info.Name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.New(errs.CodeConflict, "task %q already registered", info.Name)
	}
	return nil
}

// Get retrieves a record by task name.
func (s *SQLiteStore) Get(name string) (Record, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM task_records WHERE name = ?`, name)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, errs.NotFound("task", name)
	}
	return r, err
}

// FindByTaskID retrieves the record currently launched as id.
func (s *SQLiteStore) FindByTaskID(id string) (Record, error) {
	if id == "" {
		return Record{}, errs.UnknownTask(id)
	}
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM task_records WHERE task_id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, errs.UnknownTask(id)
	}
	return r, err
}

// AssignTaskID records a new launch of name with the LaunchRequested
// status.
func (s *SQLiteStore) AssignTaskID(name, id string) error {
	if id == "" {
		return errs.InvalidInput("task %q: empty task id", name)
	}
	now := time.Now().UTC()
	seed := requestedStatus(id, now)
	res, err := s.db.Exec(`
		UPDATE task_records SET
			task_id=?, status_state=?, status_message=?, status_sequence=0,
			status_healthy=NULL, status_at=?, updated_at=?
		WHERE name=?`,
		id, string(seed.State), seed.Message, seed.Timestamp, now, name,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errs.New(errs.CodeConflict, "task id %q already assigned", id)
		}
		return fmt.Errorf("assign task id %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.NotFound("task", name)
	}
	return nil
}

// ApplyStatus stores st if its launch is current and its sequence is newer.
// The whole check-and-set is one UPDATE, so concurrent reporters for the
// same task cannot lose an update.
func (s *SQLiteStore) ApplyStatus(st Status) (bool, error) {
	if err := validateStatus(st); err != nil {
		return false, err
	}
	id := st.TaskID.Value
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	var healthy sql.NullBool
	if st.Healthy != nil {
		healthy = sql.NullBool{Bool: *st.Healthy, Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE task_records SET
			status_state=?, status_message=?, status_sequence=?, status_healthy=?, status_at=?, updated_at=?
		WHERE task_id=? AND (status_sequence IS NULL OR status_sequence < ?)`,
		string(st.State), st.Message, int64(st.Sequence), healthy, st.Timestamp, time.Now().UTC(),
		id, int64(st.Sequence),
	)
	if err != nil {
		return false, fmt.Errorf("apply status %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM task_records WHERE task_id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup task id %s: %w", id, err)
	}
	if n == 0 {
		return false, errs.UnknownTask(id)
	}
	return false, nil
}

// ListByPod returns the records of podInstance.
func (s *SQLiteStore) ListByPod(podInstance string) ([]Record, error) {
	return s.List(Filter{PodInstance: podInstance})
}

// List returns records matching the filter.
func (s *SQLiteStore) List(filter Filter) ([]Record, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + selectColumns + " FROM task_records WHERE 1=1")
	args := []any{}

	if filter.PodInstance != "" {
		q.WriteString(" AND pod_instance=?")
		args = append(args, filter.PodInstance)
	}
	if filter.ActiveOnly {
		q.WriteString(" AND status_state IN (?,?,?)")
		args = append(args, string(StateStaging), string(StateStarting), string(StateRunning))
	}
	q.WriteString(" ORDER BY name ASC")

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a record by task name.
func (s *SQLiteStore) Delete(name string) error {
	res, err := s.db.Exec("DELETE FROM task_records WHERE name=?", name)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.NotFound("task", name)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	var goal, envJSON, labelsJSON string
	var state, message sql.NullString
	var sequence sql.NullInt64
	var healthy sql.NullBool
	var at sql.NullTime

	err := s.Scan(
		&r.Info.Name, &r.Info.TaskID.Value, &r.Info.PodType, &r.Info.PodIndex, &r.Info.PodInstance,
		&goal, &r.Info.Image, &r.Info.Cmd, &envJSON, &labelsJSON,
		&state, &message, &sequence, &healthy, &at,
	)
	if err != nil {
		return Record{}, err
	}
	r.Info.Goal = Goal(goal)
	_ = json.Unmarshal([]byte(envJSON), &r.Info.Env)
	_ = json.Unmarshal([]byte(labelsJSON), &r.Info.Labels)

	if state.Valid {
		st := &Status{
			TaskID:   r.Info.TaskID,
			State:    State(state.String),
			Message:  message.String,
			Sequence: uint64(sequence.Int64),
		}
		if healthy.Valid {
			h := healthy.Bool
			st.Healthy = &h
		}
		if at.Valid {
			st.Timestamp = at.Time
		}
		r.Status = st
	}
	return r, nil
}
