// Package advisory presents the blocking full-screen advisory and turns the
// user's choice into a single Decision.
package advisory

import (
	"encoding/json"
	"fmt"
	"image/color"
	"strings"
	"time"
)

// Severity controls advisory copy and which actions are offered
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// ParseSeverity accepts LOW, MEDIUM or HIGH in any case
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	default:
		return 0, fmt.Errorf("unknown severity %q (use LOW, MEDIUM or HIGH)", s)
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MarshalJSON encodes the severity as its name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Title is the advisory headline
func (s Severity) Title() string {
	switch s {
	case SeverityLow:
		return "CONTENT WARNING"
	case SeverityMedium:
		return "SERIOUS WARNING"
	case SeverityHigh:
		return "CRITICAL WARNING"
	default:
		return "HARMFUL CONTENT DETECTED"
	}
}

// BadgeColor is the severity badge background
func (s Severity) BadgeColor() color.RGBA {
	switch s {
	case SeverityLow:
		return color.RGBA{R: 0xff, G: 0xc1, B: 0x07, A: 0xff}
	case SeverityMedium:
		return color.RGBA{R: 0xff, G: 0x98, B: 0x00, A: 0xff}
	case SeverityHigh:
		return color.RGBA{R: 0xf4, G: 0x43, B: 0x36, A: 0xff}
	default:
		return color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	}
}

// Description is the advisory body text for subject, one paragraph per line
func (s Severity) Description(subject string) []string {
	switch s {
	case SeverityLow:
		return []string{
			fmt.Sprintf("Low-risk content was detected in %s.", subject),
			"You may want to close the application or continue with care.",
		}
	case SeverityMedium:
		return []string{
			fmt.Sprintf("Moderate-risk content was detected in %s.", subject),
			"For your safety, closing this application now is strongly recommended.",
		}
	case SeverityHigh:
		return []string{
			"HIGH-RISK CONTENT DETECTED!",
			fmt.Sprintf("%s is showing harmful content.", subject),
			"FOR YOUR SAFETY, CLOSE THIS APPLICATION NOW!",
		}
	default:
		return []string{fmt.Sprintf("Inappropriate content was detected in %s.", subject)}
	}
}

// UnknownSubject labels an advisory whose application could not be resolved
const UnknownSubject = "Unknown"

// Session is one shown advisory
type Session struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	SubjectName  string    `json:"app_name"`
	AllowDismiss bool      `json:"allow_dismiss"`
	ShownAt      time.Time `json:"shown_at"`
}

// Action is a button offered by an advisory
type Action string

const (
	ActionDismiss  Action = "dismiss"
	ActionCloseApp Action = "close_app"
)

// Actions lists the buttons in display order. Only LOW advisories can be dismissed.
func (s Session) Actions() []Action {
	if s.AllowDismiss {
		return []Action{ActionDismiss, ActionCloseApp}
	}
	return []Action{ActionCloseApp}
}

// DecisionKind is the user's terminal choice
type DecisionKind int

const (
	DecisionDismissed DecisionKind = iota
	DecisionCloseRequested
)

// String returns the wire action name
func (k DecisionKind) String() string {
	switch k {
	case DecisionDismissed:
		return "dismissed"
	case DecisionCloseRequested:
		return "close_app"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// ParseDecisionKind is the inverse of DecisionKind.String
func ParseDecisionKind(s string) (DecisionKind, error) {
	switch s {
	case "dismissed":
		return DecisionDismissed, nil
	case "close_app":
		return DecisionCloseRequested, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}

// Decision is what the user chose for an advisory session
type Decision struct {
	Kind        DecisionKind
	SubjectName string // set for DecisionCloseRequested only
	SessionID   string
	DecidedAt   time.Time
}

// Message is the JSON form sent to decision listeners
type Message struct {
	Action  string `json:"action"`
	AppName string `json:"app_name,omitempty"`
}

// Message returns the wire form of d
func (d Decision) Message() Message {
	m := Message{Action: d.Kind.String()}
	if d.Kind == DecisionCloseRequested {
		m.AppName = d.SubjectName
	}
	return m
}
