package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned for operations on a stream that has been
// closed by either side.
var ErrStreamClosed = errors.New("adb: stream closed")

type openReq struct {
	dest  string
	reply chan openResult
}

type openResult struct {
	stream *Stream
	err    error
}

type recvReq struct {
	local uint32
	reply chan recvResult
}

type recvResult struct {
	data []byte
	eof  bool
	err  error
}

type writeReq struct {
	local   uint32
	payload []byte
	reply   chan error
}

type closeReq struct {
	local uint32
	cause error
	// pendingOnly closes the stream only if the device has not answered
	// the OPEN yet.
	pendingOnly bool
}

// streamState is the session loop's record of one stream.
type streamState struct {
	local  uint32
	remote uint32
	dest   string
	probe  bool

	opened    bool
	openReply chan openResult
	openTimer *time.Timer

	buf        []byte
	eof        bool
	eofSent    bool
	err        error
	recvWaiter chan recvResult

	writeWaiter chan error
}

func (st *streamState) resolveOpen(stream *Stream, err error) {
	if st.openTimer != nil {
		st.openTimer.Stop()
		st.openTimer = nil
	}
	if st.openReply != nil {
		st.openReply <- openResult{stream: stream, err: err}
		st.openReply = nil
	}
}

func (st *streamState) resolveWrite(err error) {
	if st.writeWaiter != nil {
		st.writeWaiter <- err
		st.writeWaiter = nil
	}
}

// deliver answers a parked Recv if there is anything to hand over.
func (st *streamState) deliver() {
	if st.recvWaiter == nil {
		return
	}
	var res recvResult
	switch {
	case st.err != nil:
		res.err = st.err
	case len(st.buf) > 0:
		res.data, res.eof = st.buf, st.eof
		st.buf = nil
	case st.eof:
		res.eof = true
	default:
		return
	}
	if res.eof {
		st.eofSent = true
	}
	st.recvWaiter <- res
	st.recvWaiter = nil
}

// drained reports whether the remote closed and the reader has seen it.
func (st *streamState) drained() bool {
	return st.eof && st.eofSent
}

func (st *streamState) fail(err error) {
	st.err = err
	st.buf = nil
	st.resolveOpen(nil, err)
	st.resolveWrite(err)
	st.deliver()
}

// Stream is one multiplexed channel on a Session.
type Stream struct {
	s      *Session
	local  uint32
	remote uint32
	dest   string
}

// LocalID returns our id for the stream.
func (st *Stream) LocalID() uint32 { return st.local }

// RemoteID returns the id the device assigned.
func (st *Stream) RemoteID() uint32 { return st.remote }

// Destination returns the service the stream was opened to.
func (st *Stream) Destination() string { return st.dest }

// Recv returns the next chunk of output. eof is true once the device has
// closed the stream and everything has been returned. A Recv abandoned
// through ctx may drop the chunk it would have returned; close the stream
// afterwards.
func (st *Stream) Recv(ctx context.Context) ([]byte, bool, error) {
	reply := make(chan recvResult, 1)
	select {
	case st.s.recvs <- recvReq{local: st.local, reply: reply}:
	case <-st.s.done:
		return nil, false, st.s.lostErr()
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.data, res.eof, res.err
	case <-st.s.done:
		return nil, false, st.s.lostErr()
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// ReadAll collects output until the device closes the stream.
func (st *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	var out bytes.Buffer
	for {
		data, eof, err := st.Recv(ctx)
		out.Write(data)
		if err != nil {
			return out.Bytes(), err
		}
		if eof {
			return out.Bytes(), nil
		}
	}
}

// Write sends p to the device, split to the negotiated payload size, and
// waits for each chunk to be acknowledged.
func (st *Stream) Write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), int(st.s.maxPayload))
		chunk := p[:n]
		p = p[n:]

		reply := make(chan error, 1)
		select {
		case st.s.writes <- writeReq{local: st.local, payload: chunk, reply: reply}:
		case <-st.s.done:
			return st.s.lostErr()
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			if err != nil {
				return err
			}
		case <-st.s.done:
			return st.s.lostErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes the stream locally. Buffered output is discarded.
func (st *Stream) Close() error {
	st.s.post(closeReq{local: st.local})
	return nil
}

func (s *Session) lostErr() error {
	if s.err == nil {
		return fmt.Errorf("%w: session closed", ErrSessionLost)
	}
	return fmt.Errorf("%w: %v", ErrSessionLost, s.err)
}
