package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/adb/adbtest"
	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/journal"
	"github.com/FluidXR/frameolink/internal/supervisor"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv *httptest.Server
	dev *adbtest.Device
	db  *journal.DB
}

// newFixture serves the API backed by a simulated frame.
func newFixture(t *testing.T, dev *adbtest.Device, opts Options) *fixture {
	t.Helper()
	db, err := journal.Open(t.TempDir())
	require.NoError(t, err)

	if opts.Target.Type == "" {
		opts.Target = adb.USBTarget("")
	}
	sup := supervisor.New(supervisor.Options{
		Target: opts.Target,
		Dial: func(context.Context, adb.Target, time.Duration) (adb.Transport, error) {
			return dev.Pipe(), nil
		},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Session:        adb.Options{KeepAliveInterval: -1},
		Recorder:       db,
		Logger:         zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	d := command.NewDispatcher(sup, command.Options{
		CommandTimeout: 5 * time.Second,
		Target:         opts.Target,
		Recorder:       db,
		Logger:         zerolog.Nop(),
	})

	opts.Logger = zerolog.Nop()
	srv := httptest.NewServer(NewHandler(d, sup, db, opts).Router())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
		cancel()
		<-done
		db.Close()
	})
	return &fixture{srv: srv, dev: dev, db: db}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	return do(t, f.srv, method, path, body)
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeBody[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{})

	resp, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	h := decodeBody[HealthResponse](t, body)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "usb:any", h.Session.Target)
	assert.Zero(t, h.Pending)
}

func TestShell(t *testing.T) {
	dev := &adbtest.Device{Exec: func(cmd string) (string, int) {
		if cmd == "getprop ro.product.model" {
			return "Frameo 10\n", 0
		}
		return "", 1
	}}
	f := newFixture(t, dev, Options{})

	resp, body := f.do(t, http.MethodPost, "/shell", `{"command":"getprop ro.product.model"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decodeBody[ShellResponse](t, body)
	assert.Equal(t, "Frameo 10\n", out.Result)
	assert.Equal(t, 0, out.ExitCode)
	assert.NotEmpty(t, out.RequestID)
}

func TestShellRejectsBadInput(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{})

	resp, body := f.do(t, http.MethodPost, "/shell", `{"command":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Command not provided", decodeBody[ErrorResponse](t, body).Error)

	resp, body = f.do(t, http.MethodPost, "/shell", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", decodeBody[ErrorResponse](t, body).Error)
	assert.Empty(t, f.dev.Commands())
}

func TestState(t *testing.T) {
	dev := &adbtest.Device{Exec: func(cmd string) (string, int) {
		return "Power Manager State:\n  mWakefulness=Awake\n  mScreenBrightnessSetting=128\n", 0
	}}
	f := newFixture(t, dev, Options{})

	resp, body := f.do(t, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	ps := decodeBody[command.PowerState](t, body)
	assert.True(t, ps.IsOn)
	assert.Equal(t, 128, ps.Brightness)
	assert.Equal(t, []string{"dumpsys power"}, dev.Commands())
}

func TestStateCommandFailure(t *testing.T) {
	dev := &adbtest.Device{Exec: func(string) (string, int) { return "dumpsys: not found\n", 127 }}
	f := newFixture(t, dev, Options{})

	resp, body := f.do(t, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeBody[ErrorResponse](t, body)
	assert.Equal(t, "failed to get device state", e.Error)
	assert.Equal(t, string(command.ErrorKindNonZeroExit), e.Kind)
}

func TestTypedCommands(t *testing.T) {
	dev := &adbtest.Device{}
	f := newFixture(t, dev, Options{})

	cases := []struct {
		path string
		body string
		want string
	}{
		{"/tap", `{"x":100,"y":200}`, "input tap 100 200"},
		{"/swipe", `{"x1":0,"y1":500,"x2":800,"y2":500,"duration_ms":300}`, "input swipe 0 500 800 500 300"},
		{"/key", `{"keycode":26}`, "input keyevent 26"},
		{"/launch", `{"package":"net.frameo.app"}`, "monkey -p net.frameo.app -c android.intent.category.LAUNCHER 1"},
		{"/text", `{"text":"hi there"}`, "input text 'hi%sthere'"},
		{"/brightness", `{"level":80}`, "settings put system screen_brightness 80"},
		{"/screen/on", "", "input keyevent 224"},
		{"/screen/off", "", "input keyevent 223"},
	}
	var want []string
	for _, c := range cases {
		resp, body := f.do(t, http.MethodPost, c.path, c.body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "%s: %s", c.path, body)
		res := decodeBody[CommandResponse](t, body)
		assert.True(t, res.Success, c.path)
		assert.Equal(t, 0, res.ExitCode, c.path)
		want = append(want, c.want)
	}
	assert.Equal(t, want, dev.Commands())
}

func TestNonZeroExitIsStillOK(t *testing.T) {
	dev := &adbtest.Device{Exec: func(string) (string, int) { return "Error: no such key\n", 1 }}
	f := newFixture(t, dev, Options{})

	resp, body := f.do(t, http.MethodPost, "/key", `{"keycode":999}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[CommandResponse](t, body)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, string(command.ErrorKindNonZeroExit), res.ErrorKind)
	assert.Equal(t, "Error: no such key\n", res.Output)
}

func TestInvalidCommandIs400(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{})

	resp, body := f.do(t, http.MethodPost, "/brightness", `{"level":300}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeBody[ErrorResponse](t, body)
	assert.Equal(t, string(command.ErrorKindInvalidRequest), e.Kind)
	assert.NotEmpty(t, e.RequestID)
	assert.Empty(t, f.dev.Commands())
}

func TestTCPIP(t *testing.T) {
	dev := &adbtest.Device{}
	f := newFixture(t, dev, Options{})

	resp, body := f.do(t, http.MethodPost, "/tcpip", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Wireless ADB enabled", decodeBody[StatusResponse](t, body).Status)
	assert.Contains(t, dev.Opened(), "tcpip:5555")

	resp, _ = f.do(t, http.MethodPost, "/tcpip", `{"port":5556}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, dev.Opened(), "tcpip:5556")
}

func TestTCPIPNeedsUSB(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{Target: adb.NetworkTarget("192.168.1.50", 5555)})

	resp, body := f.do(t, http.MethodPost, "/tcpip", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "tcpip can only be enabled on a USB connection", decodeBody[ErrorResponse](t, body).Error)
}

func TestDevicesUSB(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{
		ListUSB: func() ([]adb.USBDevice, error) {
			return []adb.USBDevice{{Serial: "ABC123"}, {Serial: "DEF456"}}, nil
		},
	})

	resp, body := f.do(t, http.MethodGet, "/devices/usb", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ABC123", "DEF456"}, decodeBody[[]string](t, body))
}

func TestDevicesUSBEmptyAndError(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{
		ListUSB: func() ([]adb.USBDevice, error) { return nil, nil },
	})
	resp, body := f.do(t, http.MethodGet, "/devices/usb", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	g := newFixture(t, &adbtest.Device{}, Options{
		ListUSB: func() ([]adb.USBDevice, error) { return nil, adb.ErrPermission },
	})
	resp, _ = g.do(t, http.MethodGet, "/devices/usb", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, &adbtest.Device{}, Options{})

	resp, _ := f.do(t, http.MethodPost, "/tap", `{"x":1,"y":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/brightness", `{"level":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/history?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decodeBody[HistoryResponse](t, body)
	assert.Equal(t, 2, h.Stats.Total)
	assert.Equal(t, 2, h.Stats.Succeeded)
	require.Len(t, h.Commands, 2)
	assert.Equal(t, "brightness", h.Commands[0].Kind)
	assert.Equal(t, "input tap 1 2", h.Commands[1].Command)
	require.NotEmpty(t, h.Sessions)
	assert.Equal(t, "usb:any", h.Sessions[0].Target)

	resp, _ = f.do(t, http.MethodGet, "/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// stubExecutor answers without a device.
type stubExecutor struct {
	err error
}

func (s stubExecutor) Execute(_ context.Context, req command.Request) (command.Result, error) {
	res := command.Result{RequestID: req.ID, Kind: req.Kind, ExitCode: -1}
	if s.err != nil {
		res.ErrorKind = command.KindOf(s.err)
		return res, s.err
	}
	res.Success, res.ExitCode = true, 0
	return res, nil
}

func (stubExecutor) Pending() int { return 0 }

type stubStatus struct{}

func (stubStatus) Status() supervisor.Status {
	return supervisor.Status{State: supervisor.StateBackoff, Target: "usb"}
}

func stubServer(t *testing.T, exec Executor, opts Options) *httptest.Server {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.Target.Type == "" {
		opts.Target = adb.USBTarget("")
	}
	srv := httptest.NewServer(NewHandler(exec, stubStatus{}, nil, opts).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestRateLimit(t *testing.T) {
	srv := stubServer(t, stubExecutor{}, Options{RateLimit: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := do(t, srv, http.MethodPost, "/screen/on", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, srv, http.MethodPost, "/screen/on", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "too many requests", decodeBody[ErrorResponse](t, body).Error)

	// Health is never limited.
	resp, _ = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: queue full", command.ErrBackendUnavailable), http.StatusServiceUnavailable},
		{command.ErrCommandTimeout, http.StatusGatewayTimeout},
		{adb.ErrSessionLost, http.StatusBadGateway},
		{adb.ErrAuthTimeout, http.StatusServiceUnavailable},
		{&adb.StreamOpenError{Destination: "shell:x", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		srv := stubServer(t, stubExecutor{err: c.err}, Options{})
		resp, body := do(t, srv, http.MethodPost, "/screen/off", "")
		assert.Equal(t, c.want, resp.StatusCode, c.err.Error())
		e := decodeBody[ErrorResponse](t, body)
		assert.Equal(t, c.err.Error(), e.Error)
		assert.Equal(t, string(command.KindOf(c.err)), e.Kind)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	srv := stubServer(t, stubExecutor{}, Options{})
	resp, _ := do(t, srv, http.MethodGet, "/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
