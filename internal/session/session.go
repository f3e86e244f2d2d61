package session

import (
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

// Status is the call state tracked for a session.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	default:
		return false
	}
}

// ParseCallStatus maps a telephony call status (e.g. "no-answer") to a Status.
// Statuses that carry no state change for the session ("ringing") return ok=false.
func ParseCallStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initiated", "queued":
		return StatusInitiated, true
	case "answered", "in-progress", "in_progress":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "failed", "canceled":
		return StatusFailed, true
	case "busy":
		return StatusBusy, true
	case "no-answer", "no_answer":
		return StatusNoAnswer, true
	default:
		return "", false
	}
}

// Turn is a single utterance in the interview.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Session is the mutable state kept for one phone call.
type Session struct {
	CallID         string      `json:"call_id" yaml:"call_id"`
	JobDescription string      `json:"job_description" yaml:"job_description"`
	Resume         string      `json:"resume" yaml:"resume"`
	Transcript     Transcript  `json:"transcript" yaml:"transcript"`
	Evaluation     *Evaluation `json:"evaluation" yaml:"evaluation"`
	Status         Status      `json:"status" yaml:"status"`
	Finalized      bool        `json:"finalized" yaml:"finalized"`
	CreatedAt      time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"updated_at"`
}

// New returns a session in the initiated state.
func New(jobDescription, resume string) *Session {
	return &Session{
		JobDescription: jobDescription,
		Resume:         resume,
		Transcript:     Transcript{},
		Status:         StatusInitiated,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = s.Transcript.Clone()
	if s.Evaluation != nil {
		out.Evaluation = s.Evaluation.Clone()
	}
	return &out
}

// ProvisionalKey returns the registry key used while the call id is still unknown.
func ProvisionalKey(phoneNumber string) string {
	return "pending_" + strings.TrimSpace(phoneNumber)
}
