package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a step of one ingestion run.
type State string

const (
	StateDetecting         State = "detecting"
	StateNormalizing       State = "normalizing"
	StateValidating        State = "validating"
	StateFailed            State = "failed"
	StateCompressing       State = "compressing"
	StateUploading         State = "uploading"
	StateUploadFailed      State = "upload_failed"
	StateUploaded          State = "uploaded"
	StateRecording         State = "recording"
	StateCommitted         State = "committed"
	StateRollbackUploading State = "rollback_uploading"
	StateRolledBack        State = "rolled_back"
)

var transitions = map[State][]State{
	StateDetecting:         {StateNormalizing, StateFailed},
	StateNormalizing:       {StateValidating, StateFailed},
	StateValidating:        {StateCompressing, StateFailed},
	StateCompressing:       {StateUploading, StateFailed},
	StateUploading:         {StateUploaded, StateUploadFailed},
	StateUploadFailed:      {StateFailed},
	StateUploaded:          {StateRecording},
	StateRecording:         {StateCommitted, StateRollbackUploading},
	StateRollbackUploading: {StateRolledBack},
}

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

var ErrIllegalTransition = errors.New("ingest: illegal state transition")

type RetryStatus string

const (
	RetryNone      RetryStatus = ""
	RetryPending   RetryStatus = "pending"
	RetrySucceeded RetryStatus = "succeeded"
	RetryExhausted RetryStatus = "exhausted"
)

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Run is the observable record of one ingestion.
type Run struct {
	DatasetID     uuid.UUID    `json:"dataset_id"`
	UserID        string       `json:"user_id"`
	State         State        `json:"state"`
	History       []Transition `json:"history"`
	Retry         RetryStatus  `json:"retry_status,omitempty"`
	RetryAttempts int          `json:"retry_attempts,omitempty"`
	Error         string       `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func NewRun(id uuid.UUID, userID string, now time.Time) *Run {
	return &Run{
		DatasetID: id,
		UserID:    userID,
		State:     StateDetecting,
		History:   []Transition{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the run to next, recording the step in History.
func (r *Run) Transition(next State, note string, now time.Time) error {
	for _, allowed := range transitions[r.State] {
		if allowed == next {
			r.History = append(r.History, Transition{From: r.State, To: next, At: now, Note: note})
			r.State = next
			r.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, next)
}

// Path lists the states the run has been in, in order.
func (r *Run) Path() []State {
	out := make([]State, 0, len(r.History)+1)
	if len(r.History) == 0 {
		return append(out, r.State)
	}
	out = append(out, r.History[0].From)
	for _, t := range r.History {
		out = append(out, t.To)
	}
	return out
}

func (r *Run) clone() *Run {
	c := *r
	c.History = append([]Transition(nil), r.History...)
	return &c
}
