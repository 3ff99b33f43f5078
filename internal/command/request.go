// Package command turns frame actions into shell commands and runs them one
// at a time over the current ADB session.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind names an action.
type Kind string

const (
	KindTap        Kind = "tap"
	KindSwipe      Kind = "swipe"
	KindKey        Kind = "key"
	KindLaunch     Kind = "launch"
	KindShell      Kind = "shell"
	KindText       Kind = "text"
	KindBrightness Kind = "brightness"
	KindPowerState Kind = "power-state"
	KindScreenOn   Kind = "screen-on"
	KindScreenOff  Kind = "screen-off"
	KindTCPIP      Kind = "tcpip"
)

// Android key codes used by the screen commands.
const (
	KeycodeSleep  = 223
	KeycodeWakeup = 224
)

// MaxSwipeDuration bounds swipe gestures.
const MaxSwipeDuration = 10 * time.Second

// Request is one action for the frame. Build it with the constructors below;
// each gets a fresh ID.
type Request struct {
	ID   string
	Kind Kind

	X, Y     int // tap, swipe start
	X2, Y2   int // swipe end
	Duration time.Duration

	KeyCode  int
	Package  string
	Activity string
	Command  string
	Text     string
	Level    int
	Port     int
}

func newRequest(k Kind) Request {
	return Request{ID: uuid.NewString(), Kind: k}
}

// Tap touches the screen at x, y.
func Tap(x, y int) Request {
	r := newRequest(KindTap)
	r.X, r.Y = x, y
	return r
}

// Swipe drags from x1, y1 to x2, y2 over d.
func Swipe(x1, y1, x2, y2 int, d time.Duration) Request {
	r := newRequest(KindSwipe)
	r.X, r.Y, r.X2, r.Y2, r.Duration = x1, y1, x2, y2, d
	return r
}

// Key sends an Android key event.
func Key(code int) Request {
	r := newRequest(KindKey)
	r.KeyCode = code
	return r
}

// Launch starts an app. Without an activity the launcher intent is used.
func Launch(pkg, activity string) Request {
	r := newRequest(KindLaunch)
	r.Package, r.Activity = pkg, activity
	return r
}

// Shell runs a raw shell command in a subshell, so exit only ends the
// command. A command that leaves a quote open swallows the exit status
// report and comes back as no_exit_status.
func Shell(cmd string) Request {
	r := newRequest(KindShell)
	r.Command = cmd
	return r
}

// Text types s into the focused field.
func Text(s string) Request {
	r := newRequest(KindText)
	r.Text = s
	return r
}

// Brightness sets the screen brightness, 0 to 255.
func Brightness(level int) Request {
	r := newRequest(KindBrightness)
	r.Level = level
	return r
}

// PowerStateQuery reads screen state and brightness.
func PowerStateQuery() Request { return newRequest(KindPowerState) }

// ScreenOn wakes the frame.
func ScreenOn() Request { return newRequest(KindScreenOn) }

// ScreenOff puts the frame to sleep.
func ScreenOff() Request { return newRequest(KindScreenOff) }

// TCPIP restarts adbd listening on port. Only valid over USB.
func TCPIP(port int) Request {
	r := newRequest(KindTCPIP)
	r.Port = port
	return r
}

var (
	packagePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)
	activityPattern = regexp.MustCompile(`^[A-Za-z0-9_.$]+$`)
)

// Validate reports whether the request can be run.
func (r Request) Validate() error {
	switch r.Kind {
	case KindTap:
		if r.X < 0 || r.Y < 0 {
			return invalidf("tap coordinates must be non-negative, got %d,%d", r.X, r.Y)
		}
	case KindSwipe:
		if r.X < 0 || r.Y < 0 || r.X2 < 0 || r.Y2 < 0 {
			return invalidf("swipe coordinates must be non-negative")
		}
		if r.Duration < 0 || r.Duration > MaxSwipeDuration {
			return invalidf("swipe duration %s out of range", r.Duration)
		}
	case KindKey:
		if r.KeyCode <= 0 {
			return invalidf("key code must be positive, got %d", r.KeyCode)
		}
	case KindLaunch:
		if !packagePattern.MatchString(r.Package) {
			return invalidf("invalid package name %q", r.Package)
		}
		if r.Activity != "" && !activityPattern.MatchString(r.Activity) {
			return invalidf("invalid activity %q", r.Activity)
		}
	case KindShell:
		if strings.TrimSpace(r.Command) == "" {
			return invalidf("shell command is empty")
		}
		// An odd run of trailing backslashes escapes the line break.
		if n := len(r.Command) - len(strings.TrimRight(r.Command, `\`)); n%2 == 1 {
			return invalidf("shell command ends with a backslash")
		}
	case KindText:
		if r.Text == "" {
			return invalidf("text is empty")
		}
		if strings.ContainsAny(r.Text, "\n\r") {
			return invalidf("text must be a single line")
		}
	case KindBrightness:
		if r.Level < 0 || r.Level > 255 {
			return invalidf("brightness must be 0-255, got %d", r.Level)
		}
	case KindPowerState, KindScreenOn, KindScreenOff:
	case KindTCPIP:
		if r.Port <= 0 || r.Port > 65535 {
			return invalidf("port %d out of range", r.Port)
		}
	default:
		return invalidf("unknown command kind %q", r.Kind)
	}
	return nil
}

// ShellCommand returns the command line run on the frame. It is empty for
// kinds that use a dedicated ADB service.
func (r Request) ShellCommand() string {
	switch r.Kind {
	case KindTap:
		return fmt.Sprintf("input tap %d %d", r.X, r.Y)
	case KindSwipe:
		return fmt.Sprintf("input swipe %d %d %d %d %d", r.X, r.Y, r.X2, r.Y2, r.Duration.Milliseconds())
	case KindKey:
		return "input keyevent " + strconv.Itoa(r.KeyCode)
	case KindLaunch:
		if r.Activity == "" {
			return "monkey -p " + r.Package + " -c android.intent.category.LAUNCHER 1"
		}
		activity := r.Activity
		if !strings.Contains(activity, ".") {
			activity = "." + activity
		}
		return "am start -n " + r.Package + "/" + activity
	case KindShell:
		return r.Command
	case KindText:
		// input text reads %s as a space.
		return "input text " + shellQuote(strings.ReplaceAll(r.Text, " ", "%s"))
	case KindBrightness:
		return "settings put system screen_brightness " + strconv.Itoa(r.Level)
	case KindPowerState:
		return "dumpsys power"
	case KindScreenOn:
		return "input keyevent " + strconv.Itoa(KeycodeWakeup)
	case KindScreenOff:
		return "input keyevent " + strconv.Itoa(KeycodeSleep)
	default:
		return ""
	}
}

// destination returns the ADB service to open. Shell commands run in a
// subshell followed by an echo that reports the exit status after marker.
func (r Request) destination(marker string) string {
	if r.Kind == KindTCPIP {
		return "tcpip:" + strconv.Itoa(r.Port)
	}
	return "shell:(" + r.ShellCommand() + "\n)\necho " + marker + "$?"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
