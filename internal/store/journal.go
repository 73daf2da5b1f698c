package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/victorarias/rbroker/internal/protocol"
)

// Entry is one journaled host session.
type Entry struct {
	Seq             int64
	BrokerInstance  string
	BrokerName      string
	Owner           string
	SessionID       string
	InterpreterPath string
	Architecture    string
	Arguments       string
	Interactive     bool
	HostPID         int
	State           protocol.SessionState
	StartedAt       time.Time
	EndedAt         *time.Time
	ExitCode        *int
}

// Journal records every host the broker spawns so a restarted broker can
// reap hosts its predecessor left behind.
type Journal struct {
	db         *sql.DB
	instance   string
	brokerName string
}

// OpenJournal opens the journal at path for one broker instance.
func OpenJournal(path, instance, brokerName string) (*Journal, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db, instance: instance, brokerName: brokerName}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Instance() string {
	return j.instance
}

// Begin inserts a row for a newly created session and returns its sequence.
func (j *Journal) Begin(info protocol.SessionInfo) (int64, error) {
	res, err := j.db.Exec(`
		INSERT INTO host_sessions (broker_instance, broker_name, owner, session_id, interpreter_path,
			architecture, arguments, interactive, host_pid, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.instance, j.brokerName, info.Owner, info.ID, info.InterpreterPath,
		info.Architecture, info.CommandLineArguments, boolToInt(info.IsInteractive),
		info.HostPID, string(info.State), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("journal session %s: %w", info.ID, err)
	}
	return res.LastInsertId()
}

// Update records a state change and the current host pid.
func (j *Journal) Update(seq int64, state protocol.SessionState, hostPID int) error {
	_, err := j.db.Exec(`UPDATE host_sessions SET state = ?, host_pid = CASE WHEN ? > 0 THEN ? ELSE host_pid END WHERE seq = ?`,
		string(state), hostPID, hostPID, seq)
	return err
}

// End marks a row Terminated. exitCode may be nil when unknown.
func (j *Journal) End(seq int64, exitCode *int) error {
	var code interface{}
	if exitCode != nil {
		code = *exitCode
	}
	_, err := j.db.Exec(`UPDATE host_sessions SET state = ?, ended_at = ?, exit_code = COALESCE(?, exit_code) WHERE seq = ?`,
		string(protocol.StateTerminated), time.Now().UTC().Format(time.RFC3339Nano), code, seq)
	return err
}

// Orphans returns rows of other broker instances that were never marked
// Terminated.
func (j *Journal) Orphans() ([]Entry, error) {
	return j.query(`WHERE state != ? AND broker_instance != ? ORDER BY seq`,
		string(protocol.StateTerminated), j.instance)
}

// Recent returns the newest rows across instances, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(`ORDER BY seq DESC LIMIT ?`, limit)
}

func (j *Journal) query(tail string, args ...interface{}) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT seq, broker_instance, COALESCE(broker_name, ''), owner, session_id, interpreter_path,
			COALESCE(architecture, ''), COALESCE(arguments, ''), interactive, host_pid, state,
			started_at, ended_at, exit_code
		FROM host_sessions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			interactive int
			state       string
			startedAt   string
			endedAt     sql.NullString
			exitCode    sql.NullInt64
		)
		if err := rows.Scan(&e.Seq, &e.BrokerInstance, &e.BrokerName, &e.Owner, &e.SessionID,
			&e.InterpreterPath, &e.Architecture, &e.Arguments, &interactive, &e.HostPID, &state,
			&startedAt, &endedAt, &exitCode); err != nil {
			return nil, err
		}
		e.Interactive = interactive != 0
		e.State = protocol.SessionState(state)
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
				e.EndedAt = &t
			}
		}
		if exitCode.Valid {
			e.ExitCode = protocol.Ptr(int(exitCode.Int64))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
