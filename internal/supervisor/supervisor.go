// Package supervisor keeps one ADB session to the frame alive, reconnecting
// with backoff whenever it is lost.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Acquire once Run has returned.
var ErrStopped = errors.New("supervisor stopped")

// Defaults for Options fields left at zero.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultResetAfter     = time.Minute
)

// Status is a snapshot of the connection for health reporting.
type Status struct {
	State          string
	Target         string
	Model          string
	Banner         string
	Attempts       int
	LastError      string
	ConnectedSince *time.Time
}

// Supervisor states, in addition to the session states.
const (
	StateIdle    = "idle"
	StateBackoff = "backoff"
	StateStopped = "stopped"
)

// DialFunc opens a transport; adb.Dial in production.
type DialFunc func(ctx context.Context, target adb.Target, connectTimeout time.Duration) (adb.Transport, error)

// Recorder stores session lifetimes.
type Recorder interface {
	SessionStarted(target, banner string) (int64, error)
	SessionEnded(id int64, reason string) error
}

// Options configure a Supervisor.
type Options struct {
	Target         adb.Target
	ConnectTimeout time.Duration
	Session        adb.Options

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ResetAfter is how long a session must stay Ready before the backoff
	// starts over from InitialBackoff.
	ResetAfter time.Duration

	Dial     DialFunc
	Recorder Recorder
	Logger   zerolog.Logger
}

// Supervisor owns the connect/reconnect loop. Only Run creates sessions.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	current  *adb.Session
	outcome  error // of the latest attempt, nil after a loss
	lastErr  error
	dialing  bool
	changed  chan struct{}
	state    string
	attempts int
	readyAt  time.Time
	stopped  bool
}

// New returns a supervisor; call Run to start connecting.
func New(opts Options) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = DefaultResetAfter
	}
	if opts.Dial == nil {
		opts.Dial = adb.Dial
	}
	log := opts.Logger.With().Str("component", "supervisor").Str("target", opts.Target.String()).Logger()
	opts.Session.Logger = log
	return &Supervisor{
		opts:    opts,
		log:     log,
		changed: make(chan struct{}),
		state:   StateIdle,
	}
}

// Run connects and reconnects until ctx is cancelled. It closes the current
// session before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	b := &Backoff{Initial: s.opts.InitialBackoff, Max: s.opts.MaxBackoff}
	defer s.stop()

	for {
		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.Next()
			s.publish(nil, err, StateBackoff)
			s.log.Warn().Err(err).Dur("retry_in", wait).Msg("Connect failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		readyAt := time.Now()
		id := s.recordStart(sess)
		s.publish(sess, nil, adb.StateReady.String())

		select {
		case <-sess.Done():
		case <-ctx.Done():
			sess.Close()
			s.recordEnd(id, nil)
			return nil
		}

		cause := sess.Err()
		s.recordEnd(id, cause)
		if time.Since(readyAt) >= s.opts.ResetAfter {
			b.Reset()
		}
		wait := b.Next()
		s.publish(nil, nil, StateBackoff)
		s.log.Warn().Err(cause).Dur("ready_for", time.Since(readyAt)).Dur("retry_in", wait).Msg("Session lost, reconnecting")
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*adb.Session, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.dialing = true
	s.state = adb.StateConnecting.String()
	s.mu.Unlock()

	s.log.Debug().Int("attempt", attempt).Msg("Connecting")
	t, err := s.opts.Dial(ctx, s.opts.Target, s.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	opts := s.opts.Session
	opts.OnStateChange = s.onSessionState
	return adb.Connect(ctx, t, opts)
}

func (s *Supervisor) onSessionState(st adb.State) {
	s.mu.Lock()
	// Ready is published by Run together with the session.
	if st != adb.StateReady && !s.stopped {
		s.state = st.String()
	}
	s.mu.Unlock()
	s.log.Debug().Str("state", st.String()).Msg("Session state changed")
}

// publish installs the outcome of an attempt and wakes every Acquire.
func (s *Supervisor) publish(sess *adb.Session, err error, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sess
	s.outcome = err
	s.dialing = false
	if err != nil {
		s.lastErr = err
	}
	s.state = state
	if sess != nil {
		s.readyAt = time.Now()
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.current = nil
	s.state = StateStopped
	close(s.changed)
	s.changed = make(chan struct{})
}

// Acquire returns the Ready session. While backing off after a failed
// attempt it returns that attempt's error at once. Otherwise it waits for
// the attempt in flight, or the next one, and returns its outcome.
func (s *Supervisor) Acquire(ctx context.Context) (*adb.Session, error) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrStopped
		}
		if s.current != nil && s.current.State() == adb.StateReady {
			sess := s.current
			s.mu.Unlock()
			return sess, nil
		}
		if !s.dialing && s.outcome != nil {
			err := s.outcome
			s.mu.Unlock()
			return nil, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
			s.mu.Lock()
			sess, err, stopped := s.current, s.outcome, s.stopped
			s.mu.Unlock()
			switch {
			case stopped:
				return nil, ErrStopped
			case sess != nil:
				return sess, nil
			case err != nil:
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Status returns a snapshot for health reporting.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Target: s.opts.Target.String(), Attempts: s.attempts}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.current != nil {
		b := s.current.Banner()
		st.Banner = b.Raw
		st.Model = b.Model()
		since := s.readyAt
		st.ConnectedSince = &since
		if cur := s.current.State(); cur != adb.StateReady {
			st.State = cur.String()
		}
	}
	return st
}

func (s *Supervisor) recordStart(sess *adb.Session) int64 {
	if s.opts.Recorder == nil {
		return 0
	}
	id, err := s.opts.Recorder.SessionStarted(s.opts.Target.String(), sess.Banner().Raw)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to journal session start")
	}
	return id
}

func (s *Supervisor) recordEnd(id int64, cause error) {
	if s.opts.Recorder == nil || id == 0 {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.opts.Recorder.SessionEnded(id, reason); err != nil {
		s.log.Error().Err(err).Msg("Failed to journal session end")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s Status) String() string {
	if s.LastError != "" {
		return fmt.Sprintf("%s (%s, last error: %s)", s.State, s.Target, s.LastError)
	}
	return fmt.Sprintf("%s (%s)", s.State, s.Target)
}
