package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/journal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults for Options fields left at zero.
const (
	DefaultQueueLimit     = 32
	DefaultCommandTimeout = 15 * time.Second
	// DefaultSessionWait covers one full connect including the pairing
	// prompt.
	DefaultSessionWait = adb.DefaultConnectTimeout + adb.DefaultHandshakeTimeout + adb.DefaultAuthTimeout
)

// SessionSource hands out the current Ready session. Acquire fails at once
// with the last connect error while no attempt is running, and otherwise
// waits for the attempt in flight.
type SessionSource interface {
	Acquire(ctx context.Context) (*adb.Session, error)
}

// Recorder stores executed commands.
type Recorder interface {
	Record(e journal.Entry) (int64, error)
}

// Options configure a Dispatcher.
type Options struct {
	// QueueLimit is how many requests may wait behind the running one.
	QueueLimit int
	// CommandTimeout bounds opening the stream and reading it to the end.
	CommandTimeout time.Duration
	// SessionWait bounds waiting for a Ready session before the command
	// starts.
	SessionWait time.Duration
	// Target is the configured device; tcpip is refused unless it is USB.
	Target   adb.Target
	Recorder Recorder
	Logger   zerolog.Logger
}

type job struct {
	ctx      context.Context
	req      Request
	reply    chan outcome
	enqueued time.Time
}

type outcome struct {
	res Result
	err error
}

// Dispatcher runs requests strictly one at a time in arrival order.
type Dispatcher struct {
	src  SessionSource
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	active bool
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. Call Close to stop it.
func NewDispatcher(src SessionSource, opts Options) *Dispatcher {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.SessionWait <= 0 {
		opts.SessionWait = DefaultSessionWait
	}
	d := &Dispatcher{
		src:  src,
		opts: opts,
		log:  opts.Logger.With().Str("component", "dispatcher").Logger(),
		done: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Pending returns how many requests are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if d.active {
		n++
	}
	return n
}

// Execute validates req, queues it and waits for its result. If ctx ends
// while the request is queued it leaves the queue; if it ends while the
// request is running, the request still finishes in the background.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := Result{RequestID: req.ID, Kind: req.Kind, ExitCode: -1}
	if err := d.admit(req); err != nil {
		res.ErrorKind = KindOf(err)
		return res, err
	}

	j := &job{ctx: ctx, req: req, reply: make(chan outcome, 1), enqueued: time.Now()}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		res.ErrorKind = ErrorKindBackendUnavailable
		return res, fmt.Errorf("%w: dispatcher closed", ErrBackendUnavailable)
	}
	if len(d.queue) >= d.opts.QueueLimit {
		d.mu.Unlock()
		d.log.Warn().Str("request_id", req.ID).Str("kind", string(req.Kind)).Int("limit", d.opts.QueueLimit).Msg("Queue full, rejecting")
		res.ErrorKind = ErrorKindBackendUnavailable
		return res, fmt.Errorf("%w: queue full (%d waiting)", ErrBackendUnavailable, d.opts.QueueLimit)
	}
	d.queue = append(d.queue, j)
	d.cond.Signal()
	d.mu.Unlock()

	select {
	case o := <-j.reply:
		return o.res, o.err
	case <-ctx.Done():
		if d.unqueue(j) {
			d.log.Debug().Str("request_id", req.ID).Msg("Caller gone while queued, dropped")
		}
		res.ErrorKind = ErrorKindCancelled
		return res, ctx.Err()
	}
}

// unqueue removes j if the worker has not taken it yet.
func (d *Dispatcher) unqueue(j *job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.queue, j)
	if i < 0 {
		return false
	}
	d.queue = slices.Delete(d.queue, i, i+1)
	return true
}

func (d *Dispatcher) admit(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Kind == KindTCPIP && d.opts.Target.Type != adb.USB {
		return invalidf("tcpip can only be enabled on a USB connection")
	}
	return nil
}

// Close stops accepting requests, fails everything still queued with
// ErrBackendUnavailable and waits for the running request to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		j := d.next()
		if j == nil {
			return
		}
		d.serve(j)
		d.mu.Lock()
		d.active = false
		d.mu.Unlock()
	}
}

// next waits for the oldest queued job and marks it active. Once closed it
// fails whatever is still queued and returns nil.
func (d *Dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	// Prefer quitting over starting more work.
	if d.closed {
		for _, j := range d.queue {
			j.reply <- outcome{
				res: Result{RequestID: j.req.ID, Kind: j.req.Kind, ExitCode: -1, ErrorKind: ErrorKindBackendUnavailable},
				err: fmt.Errorf("%w: dispatcher closed", ErrBackendUnavailable),
			}
		}
		d.queue = nil
		return nil
	}
	j := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.active = true
	return j
}

func (d *Dispatcher) serve(j *job) {
	log := d.log.With().Str("request_id", j.req.ID).Str("kind", string(j.req.Kind)).Logger()
	if err := j.ctx.Err(); err != nil {
		log.Debug().Msg("Caller gone before start, skipping")
		j.reply <- outcome{res: Result{RequestID: j.req.ID, Kind: j.req.Kind, ExitCode: -1, ErrorKind: ErrorKindCancelled}, err: err}
		return
	}

	start := time.Now()
	res, err := d.execute(j, log)
	res.RequestID = j.req.ID
	res.Kind = j.req.Kind
	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.ErrorKind = KindOf(err)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Bool("success", res.Success).
		Int("exit_code", res.ExitCode).
		Dur("queued", start.Sub(j.enqueued)).
		Dur("took", res.Duration).
		Msg("Command finished")

	d.record(j.req, res, start, log)
	j.reply <- outcome{res: res, err: err}
}

func (d *Dispatcher) record(req Request, res Result, start time.Time, log zerolog.Logger) {
	if d.opts.Recorder == nil {
		return
	}
	cmd := req.ShellCommand()
	if req.Kind == KindTCPIP {
		cmd = req.destination("")
	}
	_, err := d.opts.Recorder.Record(journal.Entry{
		RequestID:  req.ID,
		Kind:       string(req.Kind),
		Command:    cmd,
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		ErrorKind:  string(res.ErrorKind),
		Output:     res.Output,
		Duration:   res.Duration,
		ExecutedAt: start,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to journal command")
	}
}

// execute runs one request. The caller's cancellation does not stop it;
// only the command timeout does, so an abandoned stream is still drained
// and closed.
func (d *Dispatcher) execute(j *job, log zerolog.Logger) (Result, error) {
	res := Result{ExitCode: -1}

	sess, err := d.acquire(j.ctx)
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), d.opts.CommandTimeout)
	defer cancel()

	marker := "FRAMEOLINK_EXIT_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "="
	dest := j.req.destination(marker)
	log.Debug().Str("dest", dest).Msg("Running command")

	stream, err := sess.Open(ctx, dest)
	if err != nil {
		return res, d.timeoutOr(ctx, err)
	}
	defer stream.Close()

	raw, err := stream.ReadAll(ctx)
	if err != nil {
		res.Output = string(raw)
		return res, d.timeoutOr(ctx, err)
	}

	if j.req.Kind == KindTCPIP {
		res.Output = string(raw)
		res.Success = strings.Contains(res.Output, "restarting")
		if res.Success {
			res.ExitCode = 0
		} else {
			res.ErrorKind = ErrorKindNonZeroExit
		}
		return res, nil
	}

	out, code, ok := splitExitStatus(string(raw), marker)
	res.Output = out
	res.ExitCode = code
	switch {
	case !ok:
		res.ErrorKind = ErrorKindNoExitStatus
	case code != 0:
		res.ErrorKind = ErrorKindNonZeroExit
	default:
		res.Success = true
	}
	if j.req.Kind == KindPowerState && res.Success {
		ps := ParsePowerState(out)
		res.Power = &ps
	}
	return res, nil
}

// acquire waits up to SessionWait for a Ready session. Nothing has reached
// the device yet, so the caller giving up ends the wait too.
func (d *Dispatcher) acquire(caller context.Context) (*adb.Session, error) {
	ctx, cancel := context.WithTimeout(caller, d.opts.SessionWait)
	defer cancel()
	sess, err := d.src.Acquire(ctx)
	switch {
	case err == nil:
		return sess, nil
	case caller.Err() != nil && errors.Is(err, caller.Err()):
		return nil, err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, fmt.Errorf("%w: no session within %s", ErrBackendUnavailable, d.opts.SessionWait)
	}
	return nil, err
}

func (d *Dispatcher) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCommandTimeout, d.opts.CommandTimeout)
	}
	return err
}
