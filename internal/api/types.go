package api

import (
	"time"

	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/journal"
	"github.com/FluidXR/frameolink/internal/supervisor"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Session SessionStatus `json:"session"`
	Pending int           `json:"pending"`
}

type SessionStatus struct {
	State          string     `json:"state"`
	Target         string     `json:"target"`
	Model          string     `json:"model,omitempty"`
	Banner         string     `json:"banner,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

func sessionStatus(s supervisor.Status) SessionStatus {
	return SessionStatus{
		State:          s.State,
		Target:         s.Target,
		Model:          s.Model,
		Banner:         s.Banner,
		Attempts:       s.Attempts,
		LastError:      s.LastError,
		ConnectedSince: s.ConnectedSince,
	}
}

// CommandResponse reports one executed action.
type CommandResponse struct {
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	ExitCode   int    `json:"exit_code"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func commandResponse(res command.Result) CommandResponse {
	return CommandResponse{
		RequestID:  res.RequestID,
		Kind:       string(res.Kind),
		Success:    res.Success,
		Output:     res.Output,
		ExitCode:   res.ExitCode,
		ErrorKind:  string(res.ErrorKind),
		DurationMS: res.Duration.Milliseconds(),
	}
}

type ShellRequest struct {
	Command string `json:"command"`
}

// ShellResponse keeps the {"result": ...} shape existing automations read.
type ShellResponse struct {
	Result    string `json:"result"`
	ExitCode  int    `json:"exit_code"`
	RequestID string `json:"request_id"`
}

type TCPIPRequest struct {
	Port int `json:"port"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type TapRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type SwipeRequest struct {
	X1         int   `json:"x1"`
	Y1         int   `json:"y1"`
	X2         int   `json:"x2"`
	Y2         int   `json:"y2"`
	DurationMS int64 `json:"duration_ms"`
}

type KeyRequest struct {
	KeyCode int `json:"keycode"`
}

type LaunchRequest struct {
	Package  string `json:"package"`
	Activity string `json:"activity,omitempty"`
}

type TextRequest struct {
	Text string `json:"text"`
}

type BrightnessRequest struct {
	Level int `json:"level"`
}

type HistoryResponse struct {
	Stats    HistoryStats     `json:"stats"`
	Commands []HistoryEntry   `json:"commands"`
	Sessions []HistorySession `json:"sessions"`
}

type HistoryStats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	ByErrorKind map[string]int `json:"by_error_kind,omitempty"`
	LastAt      *time.Time     `json:"last_at,omitempty"`
}

type HistoryEntry struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	Command    string    `json:"command"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

type HistorySession struct {
	Target      string     `json:"target"`
	Banner      string     `json:"banner,omitempty"`
	ConnectedAt time.Time  `json:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
}

func historyResponse(stats journal.Stats, entries []journal.Entry, sessions []journal.Session) HistoryResponse {
	resp := HistoryResponse{
		Stats: HistoryStats{
			Total:       stats.Total,
			Succeeded:   stats.Succeeded,
			Failed:      stats.Failed,
			ByErrorKind: stats.ByErrorKind,
			LastAt:      stats.LastAt,
		},
		Commands: make([]HistoryEntry, 0, len(entries)),
		Sessions: make([]HistorySession, 0, len(sessions)),
	}
	for _, e := range entries {
		resp.Commands = append(resp.Commands, HistoryEntry{
			RequestID:  e.RequestID,
			Kind:       e.Kind,
			Command:    e.Command,
			Success:    e.Success,
			ExitCode:   e.ExitCode,
			ErrorKind:  e.ErrorKind,
			DurationMS: e.Duration.Milliseconds(),
			ExecutedAt: e.ExecutedAt,
		})
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, HistorySession{
			Target:      s.Target,
			Banner:      s.Banner,
			ConnectedAt: s.ConnectedAt,
			EndedAt:     s.EndedAt,
			EndReason:   s.EndReason,
		})
	}
	return resp
}
