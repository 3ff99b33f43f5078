// Package adbtest provides a simulated adbd for tests. It speaks the ADB
// wire protocol over an in-memory pipe and runs shell commands through a
// handler instead of a real shell.
package adbtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
)

// ExecFunc runs one shell command line and returns its output and exit code.
type ExecFunc func(cmd string) (string, int)

// Device is a fake adbd. Configure the exported fields before the first
// Pipe call.
type Device struct {
	Banner string

	// RequireAuth makes the device challenge the host. Keys in Authorized
	// are accepted by signature; unknown keys need approval.
	RequireAuth bool
	Authorized  []*rsa.PublicKey
	// AutoApprove accepts a new public key after ApproveDelay. Without it
	// the approval prompt is never answered.
	AutoApprove  bool
	ApproveDelay time.Duration

	// Exec runs shell command lines. Defaults to succeeding silently.
	Exec ExecFunc
	// IgnoreOpens drops every OPEN, as a wedged adbd would.
	IgnoreOpens bool
	// MaxPayload announced in CNXN; zero means adb.MaxPayload.
	MaxPayload uint32

	mu       sync.Mutex
	link     *link
	commands []string
	opened   []string
	closed   map[uint32]bool
	nextID   uint32
	prompts  int
	conns    int
}

// Pipe connects a new client transport to the device and starts serving
// it. A previous connection, if any, is dropped.
func (d *Device) Pipe() adb.Transport {
	client, server := net.Pipe()
	d.attach(server)
	return &pipeTransport{Conn: client}
}

// Listen serves the device on a loopback TCP port, one connection at a
// time, and returns a network target for it. The listener is closed when
// stop is called.
func (d *Device) Listen() (target adb.Target, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return adb.Target{}, nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.attach(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	stop = func() {
		ln.Close()
		d.Disconnect()
	}
	return adb.NetworkTarget("127.0.0.1", addr.Port), stop, nil
}

func (d *Device) attach(conn net.Conn) {
	l := &link{conn: conn, out: make(chan []byte, 1024), done: make(chan struct{})}
	d.mu.Lock()
	if d.link != nil {
		d.link.close()
	}
	d.link = l
	d.closed = make(map[uint32]bool)
	d.conns++
	d.mu.Unlock()
	go l.writeLoop()
	go d.serve(l)
}

// link queues the device's writes so a slow reader on the host side never
// stalls the device's read loop, like a socket buffer would.
type link struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) writeLoop() {
	for {
		select {
		case b := <-l.out:
			if _, err := l.conn.Write(b); err != nil {
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) enqueue(b []byte) error {
	select {
	case l.out <- b:
		return nil
	case <-l.done:
		return net.ErrClosed
	}
}

// Disconnect drops the current connection, as if the cable was pulled.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link != nil {
		d.link.close()
	}
}

// SendCorrupt writes a WRTE frame whose checksum does not match its payload.
func (d *Device) SendCorrupt(local uint32) error {
	m := adb.Message{Command: adb.CmdWRTE, Arg0: 99, Arg1: local, Payload: []byte("garbage")}
	h := m.Header()
	binary.LittleEndian.PutUint32(h[16:], 12345)
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	return l.enqueue(append(h, m.Payload...))
}

// Commands returns every shell command line run so far, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Opened returns every service destination opened so far, in order.
func (d *Device) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// Connections returns how many connections the device has accepted.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Prompts returns how many times a new key was offered for approval.
func (d *Device) Prompts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompts
}

type pipeTransport struct {
	net.Conn
}

func (p *pipeTransport) String() string { return "pipe" }

func (d *Device) send(l *link, m adb.Message) error {
	return l.enqueue(append(m.Header(), m.Payload...))
}

func (d *Device) serve(l *link) {
	defer l.close()
	if err := d.handshake(l); err != nil {
		return
	}
	for {
		m, err := adb.ReadMessage(l.conn)
		if err != nil {
			return
		}
		switch m.Command {
		case adb.CmdOPEN:
			d.open(l, m)
		case adb.CmdCLSE:
			d.mu.Lock()
			d.closed[m.Arg1] = true
			d.mu.Unlock()
		}
	}
}

func (d *Device) cnxn(l *link) error {
	banner := d.Banner
	if banner == "" {
		banner = "device::ro.product.name=frameo;ro.product.model=Frameo Frame;ro.product.device=frame;features=cmd"
	}
	maxPayload := d.MaxPayload
	if maxPayload == 0 {
		maxPayload = adb.MaxPayload
	}
	return d.send(l, adb.Message{Command: adb.CmdCNXN, Arg0: adb.Version, Arg1: maxPayload, Payload: []byte(banner)})
}

func (d *Device) handshake(l *link) error {
	m, err := adb.ReadMessage(l.conn)
	if err != nil {
		return err
	}
	if m.Command != adb.CmdCNXN {
		return fmt.Errorf("expected CNXN, got %s", adb.CommandName(m.Command))
	}
	if !d.RequireAuth {
		return d.cnxn(l)
	}

	token, err := d.challenge(l)
	if err != nil {
		return err
	}
	for {
		m, err := adb.ReadMessage(l.conn)
		if err != nil {
			return err
		}
		if m.Command != adb.CmdAUTH {
			return fmt.Errorf("expected AUTH, got %s", adb.CommandName(m.Command))
		}
		switch m.Arg0 {
		case adb.AuthSignature:
			if d.verify(token, m.Payload) {
				return d.cnxn(l)
			}
			if token, err = d.challenge(l); err != nil {
				return err
			}
		case adb.AuthRSAPublicKey:
			d.mu.Lock()
			d.prompts++
			d.mu.Unlock()
			pub, err := ParsePublicKey(m.Payload)
			if err != nil {
				return err
			}
			if !d.AutoApprove {
				// Leave the prompt unanswered; keep draining until the
				// host gives up.
				for {
					if _, err := adb.ReadMessage(l.conn); err != nil {
						return err
					}
				}
			}
			time.Sleep(d.ApproveDelay)
			d.mu.Lock()
			d.Authorized = append(d.Authorized, pub)
			d.mu.Unlock()
			return d.cnxn(l)
		default:
			return fmt.Errorf("unexpected AUTH type %d", m.Arg0)
		}
	}
}

func (d *Device) challenge(l *link) ([]byte, error) {
	token := make([]byte, 20)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	return token, d.send(l, adb.Message{Command: adb.CmdAUTH, Arg0: adb.AuthToken, Payload: token})
}

func (d *Device) verify(token, sig []byte) bool {
	d.mu.Lock()
	keys := append([]*rsa.PublicKey(nil), d.Authorized...)
	d.mu.Unlock()
	for _, k := range keys {
		if rsa.VerifyPKCS1v15(k, crypto.SHA1, token, sig) == nil {
			return true
		}
	}
	return false
}

func (d *Device) open(l *link, m adb.Message) {
	dest := strings.TrimRight(string(m.Payload), "\x00")
	d.mu.Lock()
	d.opened = append(d.opened, dest)
	d.nextID++
	remote := d.nextID + 1000
	ignore := d.IgnoreOpens
	d.mu.Unlock()
	if ignore {
		return
	}

	local := m.Arg0
	var run func() string
	switch {
	case strings.HasPrefix(dest, "shell:"):
		script := strings.TrimPrefix(dest, "shell:")
		run = func() string { return d.runScript(script) }
	case strings.HasPrefix(dest, "tcpip:"):
		port := strings.TrimPrefix(dest, "tcpip:")
		run = func() string { return "restarting in TCP mode port: " + port + "\n" }
	default:
		d.send(l, adb.Message{Command: adb.CmdCLSE, Arg1: local})
		return
	}

	if err := d.send(l, adb.Message{Command: adb.CmdOKAY, Arg0: remote, Arg1: local}); err != nil {
		return
	}
	go func() {
		out := run()
		d.mu.Lock()
		cancelled := d.closed[remote]
		d.mu.Unlock()
		if cancelled {
			return
		}
		if out != "" {
			if err := d.send(l, adb.Message{Command: adb.CmdWRTE, Arg0: remote, Arg1: local, Payload: []byte(out)}); err != nil {
				return
			}
		}
		d.send(l, adb.Message{Command: adb.CmdCLSE, Arg0: remote, Arg1: local})
	}()
}

// runScript executes newline separated command lines. "echo" and "exit"
// lines are handled here, with $? expanded to the previous exit code; a
// "(" ... ")" group stands for a subshell.
func (d *Device) runScript(script string) string {
	var out strings.Builder
	last := 0
	exited := false
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "("); ok {
			line = strings.TrimSpace(rest)
		}
		if line == ")" {
			// exit inside a subshell only ends the subshell.
			exited = false
			continue
		}
		if line == "" || exited {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "echo "); ok {
			out.WriteString(strings.ReplaceAll(rest, "$?", strconv.Itoa(last)) + "\n")
			continue
		}
		if code, ok := exitCode(line); ok {
			last = code
			exited = true
			continue
		}
		d.mu.Lock()
		d.commands = append(d.commands, line)
		exec := d.Exec
		d.mu.Unlock()
		if exec == nil {
			last = 0
			continue
		}
		o, code := exec(line)
		out.WriteString(o)
		last = code
	}
	return out.String()
}

func exitCode(line string) (int, bool) {
	if line == "exit" {
		return 0, true
	}
	rest, ok := strings.CutPrefix(line, "exit ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	return n, err == nil
}

// ParsePublicKey decodes an AUTH(RSAPUBLICKEY) payload.
func ParsePublicKey(payload []byte) (*rsa.PublicKey, error) {
	text := strings.TrimRight(string(payload), "\x00")
	encoded, _, _ := strings.Cut(text, " ")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) < 8 {
		return nil, errors.New("public key too short")
	}
	words := int(binary.LittleEndian.Uint32(raw))
	if len(raw) != 8+words*8+4 {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), 8+words*8+4)
	}
	be := make([]byte, words*4)
	for i := 0; i < words; i++ {
		w := binary.LittleEndian.Uint32(raw[8+i*4:])
		binary.BigEndian.PutUint32(be[len(be)-(i+1)*4:], w)
	}
	e := binary.LittleEndian.Uint32(raw[8+words*8:])
	return &rsa.PublicKey{N: new(big.Int).SetBytes(be), E: int(e)}, nil
}
