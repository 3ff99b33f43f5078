package command

import (
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of one request. A non-zero exit status is an
// unsuccessful Result, not an error.
type Result struct {
	RequestID string
	Kind      Kind
	Success   bool
	Output    string
	// ExitCode is -1 when the status could not be read.
	ExitCode  int
	ErrorKind ErrorKind
	Duration  time.Duration
	// Power is set for power-state requests.
	Power *PowerState
}

// PowerState is the screen state reported by dumpsys power.
type PowerState struct {
	IsOn       bool `json:"is_on"`
	Brightness int  `json:"brightness"`
}

// ParsePowerState reads `dumpsys power` output.
func ParsePowerState(out string) PowerState {
	var ps PowerState
	ps.IsOn = strings.Contains(out, "mWakefulness=Awake")
	for _, line := range strings.Split(out, "\n") {
		_, v, ok := strings.Cut(line, "mScreenBrightnessSetting=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			ps.Brightness = n
			break
		}
	}
	return ps
}

// splitExitStatus strips the trailing exit status line written after marker
// and returns the remaining output and the status.
func splitExitStatus(out, marker string) (string, int, bool) {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	i := strings.LastIndex(out, marker)
	if i < 0 {
		return out, -1, false
	}
	rest, _, _ := strings.Cut(out[i+len(marker):], "\n")
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return out, -1, false
	}
	return out[:i], code, true
}
