package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// Session is one connection to the frame, from handshake to loss.
type Session struct {
	ID          int64
	Target      string
	Banner      string
	ConnectedAt time.Time
	EndedAt     *time.Time
	EndReason   string
}

// SessionStarted records a new Ready session and returns its id.
func (j *DB) SessionStarted(target, banner string) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO sessions (target, banner, connected_at) VALUES (?, ?, ?)`,
		target, banner, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("record session: %w", err)
	}
	return res.LastInsertId()
}

// SessionEnded marks a session finished. reason is empty for a clean close.
func (j *DB) SessionEnded(id int64, reason string) error {
	_, err := j.db.Exec(
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (j *DB) RecentSessions(limit int) ([]Session, error) {
	rows, err := j.db.Query(
		`SELECT id, target, banner, connected_at, ended_at, end_reason
		 FROM sessions ORDER BY connected_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var connected int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Target, &s.Banner, &connected, &ended, &s.EndReason); err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		s.ConnectedAt = time.UnixMilli(connected)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
