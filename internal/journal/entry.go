package journal

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxOutput caps how much command output is kept per entry.
const MaxOutput = 4096

// Entry is one executed command.
type Entry struct {
	ID         int64
	RequestID  string
	Kind       string
	Command    string
	Success    bool
	ExitCode   int
	ErrorKind  string
	Output     string
	Duration   time.Duration
	ExecutedAt time.Time
}

// Record appends a command to the journal.
func (j *DB) Record(e Entry) (int64, error) {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	e.Output = truncate(e.Output, MaxOutput)
	res, err := j.db.Exec(
		`INSERT INTO commands (request_id, kind, command, success, exit_code, error_kind, output, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Kind, e.Command, e.Success, e.ExitCode, e.ErrorKind, e.Output,
		e.Duration.Milliseconds(), e.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("record command: %w", err)
	}
	return res.LastInsertId()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Recent returns up to limit commands, newest first.
func (j *DB) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, request_id, kind, command, success, exit_code, error_kind, output, duration_ms, executed_at
		 FROM commands ORDER BY executed_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durMS, execMS int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &e.Command, &e.Success, &e.ExitCode,
			&e.ErrorKind, &e.Output, &durMS, &execMS); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.ExecutedAt = time.UnixMilli(execMS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats summarises the journal.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	// ByErrorKind counts failed commands per error kind.
	ByErrorKind map[string]int
	LastAt      *time.Time
}

// Stats returns command statistics.
func (j *DB) Stats() (Stats, error) {
	stats := Stats{ByErrorKind: make(map[string]int)}
	var last sql.NullInt64
	err := j.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), MAX(executed_at) FROM commands`,
	).Scan(&stats.Total, &stats.Succeeded, &last)
	if err != nil {
		return stats, fmt.Errorf("count commands: %w", err)
	}
	stats.Failed = stats.Total - stats.Succeeded
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		stats.LastAt = &t
	}

	rows, err := j.db.Query(
		`SELECT error_kind, COUNT(*) FROM commands WHERE success = 0 GROUP BY error_kind`,
	)
	if err != nil {
		return stats, fmt.Errorf("count error kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("scan error kinds: %w", err)
		}
		stats.ByErrorKind[kind] = n
	}
	return stats, rows.Err()
}

// Prune deletes commands and finished sessions older than cutoff and
// returns how many commands were removed.
func (j *DB) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM commands WHERE executed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	if _, err := j.db.Exec(`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}
