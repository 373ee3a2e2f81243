// Package steamcmd turns SteamCMD's console output into structured events
// and drives one app_update run per download job.
package steamcmd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EventKind identifies the variant of an Event.
type EventKind int

// Event kinds.
const (
	EventProgress EventKind = iota + 1
	EventStateChanged
	EventLoginRequired
	EventLoginFailed
	EventSuccess
	EventError
)

var eventKindNames = map[EventKind]string{
	EventProgress:      "progress",
	EventStateChanged:  "state_changed",
	EventLoginRequired: "login_required",
	EventLoginFailed:   "login_failed",
	EventSuccess:       "success",
	EventError:         "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one structured observation parsed from a line of output.
// Which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	// Percent is set for EventProgress, already clamped to [0, 100].
	Percent float64
	// Phase is set for EventProgress and EventStateChanged.
	Phase string
	// Message is set for EventLoginFailed, EventLoginRequired and EventError.
	Message string
	// Clamped reports that the raw percent was outside [0, 100].
	Clamped bool
	// Raw is the percent as printed, for logging clamped values.
	Raw float64
}

// Phases reported through StateChanged and Progress events.
const (
	PhaseUpdatingTool  = "updating tool"
	PhaseLoggingIn     = "logging in"
	PhaseLoggedIn      = "logged in"
	PhaseDownloading   = "downloading"
	PhaseVerifying     = "verifying"
	PhasePreallocating = "preallocating"
	PhaseInstalling    = "installing"
	PhaseConfiguring   = "configuring"
)

var (
	progressRe     = regexp.MustCompile(`(?i)Update state \(0x[0-9a-f]+\)\s+([a-z ]+?),\s*progress:\s*(-?[0-9]+(?:\.[0-9]*)?)`)
	progressHeadRe = regexp.MustCompile(`(?i)Update state \(0x[0-9a-f]+\)\s+[a-z ]+,\s*progress:\s*-?[0-9]*\.?$`)
	successRe      = regexp.MustCompile(`^Success! App '(\d+)'`)
	errorRe        = regexp.MustCompile(`^(?:ERROR!|Error!|ERROR:|ERROR)\s*(.*)$`)
	loginRe        = regexp.MustCompile(`^(?:Logging in user '[^']*'(?: \[[^\]]*\])? to Steam Public|Connecting anonymously to Steam Public|Logging in using cached credentials)\s*\.\.\.\s*(.*)$`)
	toolUpdateRe   = regexp.MustCompile(`^\[\s*(?:\d+%|----)\]`)
	loginPromptRe  = regexp.MustCompile(`(?i)(steam guard code|two-factor code|password)\s*:\s*$`)
)

// guardMarkers indicate that Steam Guard needs a human.
var guardMarkers = []string{
	"This computer has not been authenticated for your account using Steam Guard",
	"Steam Guard code required",
	"Please check your email for the message from Steam",
}

// transientLoginFailures are login failures caused by Steam rather than the
// account. They are reported as tool errors so the job can be retried.
var transientLoginFailures = []string{
	"rate limit",
	"service unavailable",
	"timeout",
	"no connection",
	"try another cm",
}

// Parse decodes one line of SteamCMD output. It is total: unrecognized lines
// yield ok=false and malformed values are clamped rather than rejected.
func Parse(line string) (ev Event, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	if m := progressRe.FindStringSubmatch(line); m != nil {
		raw, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Event{Kind: EventStateChanged, Phase: normalizePhase(m[1])}, true
		}
		pct := raw
		clamped := false
		if pct < 0 {
			pct, clamped = 0, true
		} else if pct > 100 {
			pct, clamped = 100, true
		}
		return Event{Kind: EventProgress, Percent: pct, Phase: normalizePhase(m[1]), Clamped: clamped, Raw: raw}, true
	}

	if successRe.MatchString(line) {
		return Event{Kind: EventSuccess}, true
	}

	if m := loginRe.FindStringSubmatch(line); m != nil {
		status := strings.TrimSpace(m[1])
		return parseLoginStatus(status)
	}

	for _, marker := range guardMarkers {
		if strings.Contains(line, marker) {
			return Event{Kind: EventLoginRequired, Message: line}, true
		}
	}
	if loginPromptRe.MatchString(line) {
		return Event{Kind: EventLoginRequired, Message: line}, true
	}

	if m := errorRe.FindStringSubmatch(line); m != nil {
		msg := strings.TrimSpace(m[1])
		if msg == "" {
			msg = line
		}
		return Event{Kind: EventError, Message: msg}, true
	}

	if toolUpdateRe.MatchString(line) {
		return Event{Kind: EventStateChanged, Phase: PhaseUpdatingTool}, true
	}

	return Event{}, false
}

func parseLoginStatus(status string) (Event, bool) {
	upper := strings.ToUpper(status)
	switch {
	case status == "":
		return Event{Kind: EventStateChanged, Phase: PhaseLoggingIn}, true
	case strings.HasPrefix(upper, "OK"):
		return Event{Kind: EventStateChanged, Phase: PhaseLoggedIn}, true
	case strings.HasPrefix(upper, "FAILED"), strings.HasPrefix(upper, "ERROR"):
		reason := loginFailureReason(status)
		lower := strings.ToLower(reason)
		for _, t := range transientLoginFailures {
			if strings.Contains(lower, t) {
				return Event{Kind: EventError, Message: "login: " + reason}, true
			}
		}
		if strings.Contains(lower, "two-factor") || strings.Contains(lower, "steam guard") || strings.Contains(lower, "account logon denied") {
			return Event{Kind: EventLoginRequired, Message: reason}, true
		}
		return Event{Kind: EventLoginFailed, Message: reason}, true
	}
	return Event{Kind: EventStateChanged, Phase: PhaseLoggingIn}, true
}

// loginFailureReason extracts "Invalid Password" from "FAILED (Invalid Password)",
// "ERROR (Invalid Password)" and "FAILED login with result code Invalid Password".
func loginFailureReason(status string) string {
	s := status
	if i := strings.IndexAny(s, " ("); i >= 0 {
		s = s[i:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "("); i >= 0 {
		if j := strings.LastIndex(s, ")"); j > i {
			return strings.TrimSpace(s[i+1 : j])
		}
	}
	s = strings.TrimPrefix(s, "login with result code")
	s = strings.TrimSpace(s)
	if s == "" {
		return "login failed"
	}
	return s
}

// normalizePhase folds SteamCMD's update state names into a small set.
func normalizePhase(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(p, "verif"), strings.Contains(p, "validat"):
		return PhaseVerifying
	case strings.Contains(p, "download"):
		return PhaseDownloading
	case strings.Contains(p, "prealloc"):
		return PhasePreallocating
	case strings.Contains(p, "commit"), strings.Contains(p, "install"):
		return PhaseInstalling
	case strings.Contains(p, "reconfig"):
		return PhaseConfiguring
	}
	return p
}

type wrapKind int

const (
	wrapNone wrapKind = iota
	wrapProgress
	wrapLogin
)

// wrapped reports whether line looks like the first half of a wrapped line.
func wrapped(line string) wrapKind {
	line = strings.TrimSpace(line)
	if progressHeadRe.MatchString(line) && !progressRe.MatchString(line) {
		return wrapProgress
	}
	if m := loginRe.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[1]) == "" {
		return wrapLogin
	}
	return wrapNone
}

// continues reports whether line completes a wrapped line of kind k.
func continues(k wrapKind, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch k {
	case wrapProgress:
		c := line[0]
		return (c >= '0' && c <= '9') || c == '.' || c == '-'
	case wrapLogin:
		upper := strings.ToUpper(line)
		return strings.HasPrefix(upper, "OK") || strings.HasPrefix(upper, "FAILED") || strings.HasPrefix(upper, "ERROR")
	}
	return false
}
