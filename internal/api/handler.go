// Package api exposes the frame over HTTP for Home Assistant.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/journal"
	"github.com/FluidXR/frameolink/internal/supervisor"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultHistoryLimit is how many journal rows /history returns without ?limit.
const DefaultHistoryLimit = 50

const maxBodyBytes = 64 << 10

// Executor runs frame commands; *command.Dispatcher in production.
type Executor interface {
	Execute(ctx context.Context, req command.Request) (command.Result, error)
	Pending() int
}

// StatusSource reports the connection; *supervisor.Supervisor in production.
type StatusSource interface {
	Status() supervisor.Status
}

// History reads the command journal; *journal.DB in production.
type History interface {
	Recent(limit int) ([]journal.Entry, error)
	Stats() (journal.Stats, error)
	RecentSessions(limit int) ([]journal.Session, error)
}

// Options configure a Handler.
type Options struct {
	// Target is the configured frame; /tcpip needs a USB target.
	Target adb.Target
	// RateLimit is command requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// ListUSB defaults to adb.ListUSB.
	ListUSB func() ([]adb.USBDevice, error)
	Logger  zerolog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	exec    Executor
	status  StatusSource
	history History
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHandler creates a handler. history may be nil, in which case /history
// answers 503.
func NewHandler(exec Executor, status StatusSource, history History, opts Options) *Handler {
	if opts.ListUSB == nil {
		opts.ListUSB = adb.ListUSB
	}
	h := &Handler{
		exec:    exec,
		status:  status,
		history: history,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "api").Logger(),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return h
}

// Router returns a chi router with the API mounted at /.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	h.Mount(r)
	return r
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.health)
	r.Get("/devices/usb", h.listUSB)
	r.Get("/history", h.listHistory)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/state", h.state)
		r.Post("/state", h.state)
		r.Post("/shell", h.shell)
		r.Post("/tcpip", h.tcpip)
		r.Post("/tap", h.tap)
		r.Post("/swipe", h.swipe)
		r.Post("/key", h.key)
		r.Post("/launch", h.launch)
		r.Post("/text", h.text)
		r.Post("/brightness", h.brightness)
		r.Post("/screen/on", h.screenOn)
		r.Post("/screen/off", h.screenOff)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Session: sessionStatus(h.status.Status()),
		Pending: h.exec.Pending(),
	})
}

func (h *Handler) listUSB(w http.ResponseWriter, r *http.Request) {
	devs, err := h.opts.ListUSB()
	if err != nil {
		h.log.Warn().Err(err).Msg("Listing USB devices failed")
		writeError(w, http.StatusInternalServerError, "failed to list USB devices", err.Error())
		return
	}
	serials := make([]string, 0, len(devs))
	for _, d := range devs {
		serials = append(serials, d.Serial)
	}
	writeJSON(w, http.StatusOK, serials)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled", "")
		return
	}
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = n
	}
	stats, err := h.history.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal", err.Error())
		return
	}
	entries, err := h.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal", err.Error())
		return
	}
	sessions, err := h.history.RecentSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(stats, entries, sessions))
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	res, ok := h.run(w, r, command.PowerStateQuery())
	if !ok {
		return
	}
	if !res.Success || res.Power == nil {
		writeCommandError(w, res, "failed to get device state")
		return
	}
	writeJSON(w, http.StatusOK, res.Power)
}

func (h *Handler) shell(w http.ResponseWriter, r *http.Request) {
	var req ShellRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "Command not provided", "")
		return
	}
	res, ok := h.run(w, r, command.Shell(req.Command))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ShellResponse{Result: res.Output, ExitCode: res.ExitCode, RequestID: res.RequestID})
}

func (h *Handler) tcpip(w http.ResponseWriter, r *http.Request) {
	if h.opts.Target.Type != adb.USB {
		writeError(w, http.StatusBadRequest, "tcpip can only be enabled on a USB connection", "")
		return
	}
	var req TCPIPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Port == 0 {
		req.Port = adb.DefaultPort
	}
	res, ok := h.run(w, r, command.TCPIP(req.Port))
	if !ok {
		return
	}
	if !res.Success {
		writeCommandError(w, res, "failed to enable wireless ADB")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "Wireless ADB enabled"})
}

func (h *Handler) tap(w http.ResponseWriter, r *http.Request) {
	var req TapRequest
	if decode(w, r, &req) {
		h.respond(w, r, command.Tap(req.X, req.Y))
	}
}

func (h *Handler) swipe(w http.ResponseWriter, r *http.Request) {
	var req SwipeRequest
	if decode(w, r, &req) {
		d := time.Duration(req.DurationMS) * time.Millisecond
		h.respond(w, r, command.Swipe(req.X1, req.Y1, req.X2, req.Y2, d))
	}
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if decode(w, r, &req) {
		h.respond(w, r, command.Key(req.KeyCode))
	}
}

func (h *Handler) launch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if decode(w, r, &req) {
		h.respond(w, r, command.Launch(req.Package, req.Activity))
	}
}

func (h *Handler) text(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if decode(w, r, &req) {
		h.respond(w, r, command.Text(req.Text))
	}
}

func (h *Handler) brightness(w http.ResponseWriter, r *http.Request) {
	var req BrightnessRequest
	if decode(w, r, &req) {
		h.respond(w, r, command.Brightness(req.Level))
	}
}

func (h *Handler) screenOn(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, command.ScreenOn())
}

func (h *Handler) screenOff(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, command.ScreenOff())
}

// respond runs req and writes the result. A command that ran but exited
// non-zero is still a 200 with success=false.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, req command.Request) {
	res, ok := h.run(w, r, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(res))
}

// run executes req and writes an error reply if it could not be run.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, req command.Request) (command.Result, bool) {
	res, err := h.exec.Execute(r.Context(), req)
	if err != nil {
		kind := res.ErrorKind
		if kind == command.ErrorKindNone {
			kind = command.KindOf(err)
		}
		writeJSON(w, statusFor(kind), ErrorResponse{
			Error:     err.Error(),
			Kind:      string(kind),
			RequestID: req.ID,
		})
		return res, false
	}
	return res, true
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		ev := h.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = h.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
