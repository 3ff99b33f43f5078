package adb

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// handshake runs CNXN/AUTH until the device accepts us. The reader
// goroutine is already running and feeds s.frames.
func (s *Session) handshake(ctx context.Context) error {
	banner := append([]byte("host::"+s.opts.HostName), 0)
	if err := s.write(Message{Command: CmdCNXN, Arg0: Version, Arg1: MaxPayload, Payload: banner}); err != nil {
		return err
	}

	var signed, sentKey bool
	for {
		timeout := s.opts.HandshakeTimeout
		if sentKey {
			timeout = s.opts.AuthTimeout
		}
		m, err := s.awaitFrame(ctx, timeout)
		if err == errFrameTimeout {
			if sentKey {
				return ErrAuthTimeout
			}
			return fmt.Errorf("%w: no handshake reply within %s", ErrConnectionTimeout, timeout)
		}
		if err != nil {
			return err
		}

		switch m.Command {
		case CmdCNXN:
			s.banner = ParseBanner(m.Payload)
			s.maxPayload = min(m.Arg1, MaxPayload)
			if s.maxPayload == 0 {
				s.maxPayload = MaxPayload
			}
			return nil

		case CmdAUTH:
			if m.Arg0 != AuthToken {
				return protocolErrorf("unexpected AUTH type %d from device", m.Arg0)
			}
			s.setState(StateAuthenticating)
			if s.opts.Signer == nil {
				return protocolErrorf("device requires authentication but no key is configured")
			}
			switch {
			case !signed:
				sig, err := s.opts.Signer.Sign(m.Payload)
				if err != nil {
					return err
				}
				signed = true
				if err := s.write(Message{Command: CmdAUTH, Arg0: AuthSignature, Payload: sig}); err != nil {
					return err
				}
			case !sentKey:
				// The device does not know our key. It shows the approval
				// dialog and answers CNXN once the user accepts.
				sentKey = true
				s.log.Warn().Dur("timeout", s.opts.AuthTimeout).Msg("Device does not know this key, accept the debugging prompt on the frame")
				if err := s.write(Message{Command: CmdAUTH, Arg0: AuthRSAPublicKey, Payload: s.opts.Signer.PublicKey()}); err != nil {
					return err
				}
			default:
				s.log.Debug().Msg("Ignoring extra AUTH token while waiting for approval")
			}

		case CmdSTLS:
			return protocolErrorf("device requested TLS, which is not supported")

		default:
			return protocolErrorf("unexpected %s during handshake", CommandName(m.Command))
		}
	}
}

var errFrameTimeout = errors.New("timed out waiting for frame")

func (s *Session) awaitFrame(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-s.frames:
		return m, nil
	case err := <-s.readErr:
		return Message{}, fmt.Errorf("handshake read: %w", err)
	case <-timer.C:
		return Message{}, errFrameTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
