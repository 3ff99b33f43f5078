package adb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the health of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Defaults for Options fields left at zero.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultAuthTimeout       = 60 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveTimeout  = 10 * time.Second
	DefaultProbeDestination  = "shell:true"
	DefaultHostName          = "frameolink"
)

// Options configure a Session.
type Options struct {
	// Signer answers AUTH challenges. Without one, only devices that skip
	// authentication can be used.
	Signer *Signer
	// HostName goes into our CNXN banner.
	HostName string

	HandshakeTimeout time.Duration
	// AuthTimeout bounds the wait for the user to accept a new key.
	AuthTimeout time.Duration
	OpenTimeout time.Duration

	// KeepAliveInterval is how long the link may stay silent before a probe
	// stream is opened. Negative disables probing.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout is how long to wait for any frame after a probe.
	KeepAliveTimeout time.Duration
	ProbeDestination string

	Logger zerolog.Logger
	// OnStateChange is called on the session goroutines; keep it short.
	OnStateChange func(State)
}

func (o *Options) setDefaults() {
	if o.HostName == "" {
		o.HostName = DefaultHostName
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.ProbeDestination == "" {
		o.ProbeDestination = DefaultProbeDestination
	}
}

// Session is one authenticated ADB connection. A single goroutine (the
// session loop) owns the stream table and health state; every other
// goroutine talks to it over channels.
type Session struct {
	transport  Transport
	opts       Options
	log        zerolog.Logger
	banner     Banner
	maxPayload uint32
	state      atomic.Int32

	frames  chan Message
	readErr chan error

	opens  chan openReq
	recvs  chan recvReq
	writes chan writeReq
	closes chan closeReq

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	err      error

	// Owned by the session loop.
	nextID  uint32
	streams map[uint32]*streamState
}

// Connect runs the handshake over t and starts the session loop. On
// failure t is closed.
func Connect(ctx context.Context, t Transport, opts Options) (*Session, error) {
	opts.setDefaults()
	s := &Session{
		transport: t,
		opts:      opts,
		log:       opts.Logger.With().Str("transport", t.String()).Logger(),
		frames:    make(chan Message),
		readErr:   make(chan error, 1),
		opens:     make(chan openReq),
		recvs:     make(chan recvReq),
		writes:    make(chan writeReq),
		closes:    make(chan closeReq),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		streams:   make(map[uint32]*streamState),
	}
	s.setState(StateConnecting)
	go s.readLoop()

	if err := s.handshake(ctx); err != nil {
		t.Close()
		s.err = err
		s.setState(StateClosed)
		close(s.done)
		return nil, err
	}
	s.setState(StateReady)
	s.log.Info().
		Str("banner", s.banner.Raw).
		Str("model", s.banner.Model()).
		Uint32("max_payload", s.maxPayload).
		Msg("ADB session ready")
	go s.loop()
	return s, nil
}

// Banner returns the identity the device sent in its CNXN.
func (s *Session) Banner() Banner { return s.banner }

// State returns the current health state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil after Close, otherwise the
// transport or protocol failure. Only valid after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the session down and waits for the loop to exit.
func (s *Session) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Session) write(m Message) error {
	return WriteMessage(s.transport, m)
}

func (s *Session) readLoop() {
	for {
		m, err := ReadMessage(s.transport)
		if err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.frames <- m:
		case <-s.done:
			return
		}
	}
}

// loop is the session loop. It returns only once the session is closed.
func (s *Session) loop() {
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.opts.KeepAliveInterval > 0 {
		idleTimer = time.NewTimer(s.opts.KeepAliveInterval)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}
	probing := false

	for {
		var err error
		select {
		case m := <-s.frames:
			if idleTimer != nil {
				idleTimer.Reset(s.opts.KeepAliveInterval)
				probing = false
			}
			err = s.handleFrame(m)
		case rerr := <-s.readErr:
			err = fmt.Errorf("transport read: %w", rerr)
		case req := <-s.opens:
			err = s.handleOpen(req)
		case req := <-s.recvs:
			s.handleRecv(req)
		case req := <-s.writes:
			err = s.handleWrite(req)
		case req := <-s.closes:
			err = s.handleClose(req)
		case <-idle:
			if probing {
				err = fmt.Errorf("no frame from device for %s", s.opts.KeepAliveInterval+s.opts.KeepAliveTimeout)
				break
			}
			probing = true
			idleTimer.Reset(s.opts.KeepAliveTimeout)
			err = s.sendProbe()
		case <-s.quit:
			s.shutdown(nil)
			return
		}
		if err != nil {
			s.shutdown(err)
			return
		}
	}
}

// shutdown fails every stream, closes the transport and marks the session
// closed. cause is nil for a requested Close.
func (s *Session) shutdown(cause error) {
	if cause != nil {
		s.setState(StateDegraded)
		s.log.Warn().Err(cause).Int("streams", len(s.streams)).Msg("ADB session lost")
	}
	lost := fmt.Errorf("%w: %v", ErrSessionLost, cause)
	if cause == nil {
		lost = fmt.Errorf("%w: session closed", ErrSessionLost)
	}
	for id, st := range s.streams {
		st.fail(lost)
		delete(s.streams, id)
	}
	s.transport.Close()
	s.err = cause
	s.setState(StateClosed)
	close(s.done)
}

func (s *Session) allocID() uint32 {
	s.nextID++
	return s.nextID
}

func (s *Session) sendProbe() error {
	id := s.allocID()
	s.streams[id] = &streamState{local: id, dest: s.opts.ProbeDestination, probe: true}
	s.log.Debug().Uint32("local", id).Msg("Link idle, sending keep-alive probe")
	return s.write(Message{Command: CmdOPEN, Arg0: id, Payload: append([]byte(s.opts.ProbeDestination), 0)})
}

func (s *Session) handleFrame(m Message) error {
	switch m.Command {
	case CmdOKAY:
		st := s.streams[m.Arg1]
		if st == nil {
			return s.write(Message{Command: CmdCLSE, Arg0: m.Arg1, Arg1: m.Arg0})
		}
		if !st.opened {
			st.opened = true
			st.remote = m.Arg0
			st.resolveOpen(&Stream{s: s, local: st.local, remote: st.remote, dest: st.dest}, nil)
			return nil
		}
		st.resolveWrite(nil)
		return nil

	case CmdWRTE:
		st := s.streams[m.Arg1]
		if st == nil || !st.opened {
			return s.write(Message{Command: CmdCLSE, Arg0: m.Arg1, Arg1: m.Arg0})
		}
		if err := s.write(Message{Command: CmdOKAY, Arg0: st.local, Arg1: st.remote}); err != nil {
			return err
		}
		if !st.probe {
			st.buf = append(st.buf, m.Payload...)
			st.deliver()
		}
		return nil

	case CmdCLSE:
		st := s.streams[m.Arg1]
		if st == nil {
			return nil
		}
		if !st.opened {
			delete(s.streams, st.local)
			st.resolveOpen(nil, &StreamOpenError{Destination: st.dest, Err: errors.New("refused by device")})
			return nil
		}
		st.eof = true
		st.resolveWrite(ErrStreamClosed)
		st.deliver()
		if st.probe || st.drained() {
			delete(s.streams, st.local)
		}
		return nil

	case CmdOPEN:
		// Reverse connections are not offered.
		return s.write(Message{Command: CmdCLSE, Arg1: m.Arg0})

	default:
		return protocolErrorf("unexpected %s on an established session", CommandName(m.Command))
	}
}

func (s *Session) handleOpen(req openReq) error {
	// adbd drops the whole transport on an oversized frame.
	if n := len(req.dest) + 1; n > int(s.maxPayload) {
		req.reply <- openResult{err: &StreamOpenError{
			Destination: req.dest,
			Err:         fmt.Errorf("destination is %d bytes, device accepts %d", n, s.maxPayload),
		}}
		return nil
	}
	id := s.allocID()
	st := &streamState{local: id, dest: req.dest, openReply: req.reply}
	s.streams[id] = st
	st.openTimer = time.AfterFunc(s.opts.OpenTimeout, func() {
		s.post(closeReq{local: id, pendingOnly: true, cause: fmt.Errorf("no reply within %s", s.opts.OpenTimeout)})
	})
	s.log.Debug().Uint32("local", id).Str("dest", req.dest).Msg("Opening stream")
	return s.write(Message{Command: CmdOPEN, Arg0: id, Payload: append([]byte(req.dest), 0)})
}

func (s *Session) handleRecv(req recvReq) {
	st := s.streams[req.local]
	if st == nil {
		req.reply <- recvResult{eof: true}
		return
	}
	if st.recvWaiter != nil {
		req.reply <- recvResult{err: errors.New("adb: concurrent Recv on one stream")}
		return
	}
	st.recvWaiter = req.reply
	st.deliver()
	if st.drained() {
		delete(s.streams, st.local)
	}
}

func (s *Session) handleWrite(req writeReq) error {
	st := s.streams[req.local]
	switch {
	case st == nil || st.eof:
		req.reply <- ErrStreamClosed
		return nil
	case st.writeWaiter != nil:
		req.reply <- errors.New("adb: concurrent Write on one stream")
		return nil
	}
	st.writeWaiter = req.reply
	return s.write(Message{Command: CmdWRTE, Arg0: st.local, Arg1: st.remote, Payload: req.payload})
}

func (s *Session) handleClose(req closeReq) error {
	st := s.streams[req.local]
	if st == nil || (req.pendingOnly && st.opened) {
		return nil
	}
	delete(s.streams, st.local)
	if !st.opened {
		cause := req.cause
		if cause == nil {
			cause = errors.New("closed before the device answered")
		}
		st.resolveOpen(nil, &StreamOpenError{Destination: st.dest, Err: cause})
		// The device may still answer; its OKAY then gets a CLSE back.
		return nil
	}
	st.fail(ErrStreamClosed)
	if st.eof {
		return nil
	}
	return s.write(Message{Command: CmdCLSE, Arg0: st.local, Arg1: st.remote})
}

// post hands a request to the loop unless the session is already gone.
func (s *Session) post(req closeReq) {
	select {
	case s.closes <- req:
	case <-s.done:
	}
}

// Open opens a stream to dest (for example "shell:input tap 1 2"). It fails
// with a *StreamOpenError if the device refuses or does not answer within
// the open timeout, and with ErrSessionLost if the session dies meanwhile.
func (s *Session) Open(ctx context.Context, dest string) (*Stream, error) {
	reply := make(chan openResult, 1)
	select {
	case s.opens <- openReq{dest: dest, reply: reply}:
	case <-s.done:
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.stream, res.err
	case <-ctx.Done():
		// The loop answers within the open timeout; close whatever it opens.
		go func() {
			if res := <-reply; res.stream != nil {
				res.stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
