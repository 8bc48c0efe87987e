package domain

import (
	"errors"
	"fmt"
	"time"
)

// SessionState models the voice-command session lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateListening  SessionState = "listening"
	SessionStateProcessing SessionState = "processing"
	SessionStateCorrecting SessionState = "correcting"
	SessionStateSent       SessionState = "sent"
	SessionStateError      SessionState = "error"
)

// Active reports whether the state belongs to a running session.
func (s SessionState) Active() bool {
	switch s {
	case SessionStateConnecting, SessionStateListening, SessionStateProcessing, SessionStateCorrecting, SessionStateSent:
		return true
	default:
		return false
	}
}

// SessionSnapshot is the full UI-facing view of the session. The controller
// owns the canonical copy and hands out value copies.
type SessionSnapshot struct {
	State            SessionState `json:"state"`
	Recording        bool         `json:"recording"`
	HandsFree        bool         `json:"handsFree"`
	Team             string       `json:"team,omitempty"`
	Role             string       `json:"role,omitempty"`
	Transcript       string       `json:"transcript"`
	Speaking         bool         `json:"speaking"`
	CorrectedCommand string       `json:"correctedCommand,omitempty"`
	FeedbackSummary  string       `json:"feedbackSummary,omitempty"`
	Error            string       `json:"error,omitempty"`
	AudioLevelDB     float64      `json:"audioLevelDb"`
}

// CommandRequest addresses one finalized utterance to an agent session.
type CommandRequest struct {
	Team    string
	Role    string
	Command string
}

// CommandEventType identifies a record on the correction stream.
type CommandEventType string

const (
	CommandEventToken CommandEventType = "llm_token"
	CommandEventSent  CommandEventType = "command_sent"
)

// CommandEvent is one decoded NDJSON record from the correction endpoint.
type CommandEvent struct {
	Type             CommandEventType `json:"type"`
	Token            string           `json:"token,omitempty"`
	CorrectedCommand string           `json:"corrected_command,omitempty"`
	RoutedToBacklog  bool             `json:"routed_to_backlog,omitempty"`
}

// DispatchOutcome classifies how a dispatch attempt ended.
type DispatchOutcome string

const (
	OutcomeSkippedBlank     DispatchOutcome = "skipped_blank"
	OutcomeSkippedDuplicate DispatchOutcome = "skipped_duplicate"
	OutcomeSent             DispatchOutcome = "sent"
	OutcomeCompleted        DispatchOutcome = "completed"
	OutcomeFailed           DispatchOutcome = "failed"
)

// DispatchRecord is one entry in the recent-dispatch history.
type DispatchRecord struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Team      string    `json:"team"`
	Role      string    `json:"role"`
	Command   string    `json:"command"`
	Corrected string    `json:"corrected,omitempty"`
	Backlog   bool      `json:"backlog"`
	Err       string    `json:"error,omitempty"`
}

// ErrUnauthorized marks a rejected credential; callers route to login.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError carries a non-2xx HTTP status from the command endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command endpoint returned status %d", e.Code)
}
