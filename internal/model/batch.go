package model

import "time"

type DisplayStatus string

const (
	DisplayWaiting DisplayStatus = "waiting"
	DisplaySending DisplayStatus = "sending"
	DisplaySent    DisplayStatus = "sent"
	DisplayFailed  DisplayStatus = "failed"
)

// BatchItem is the per-run view of one selected message. The durable record
// lives in the store.
type BatchItem struct {
	ID            string        `json:"id"`
	Destination   string        `json:"destination"`
	DisplayStatus DisplayStatus `json:"displayStatus"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
}

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
)

type RunState struct {
	RunID            string      `json:"runId,omitempty"`
	Phase            Phase       `json:"phase"`
	CurrentIndex     int         `json:"currentIndex"`
	CountdownSeconds int         `json:"countdownSeconds"`
	CancelRequested  bool        `json:"cancelRequested"`
	CancelPending    bool        `json:"cancelPending"`
	Paused           bool        `json:"paused"`
	Completed        bool        `json:"completed"`
	Items            []BatchItem `json:"items"`
	StartedAt        time.Time   `json:"startedAt,omitzero"`
	FinishedAt       *time.Time  `json:"finishedAt,omitempty"`
}

type RunCounts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Waiting int `json:"waiting"`
}

func (s RunState) Counts() RunCounts {
	c := RunCounts{Total: len(s.Items)}
	for _, it := range s.Items {
		switch it.DisplayStatus {
		case DisplaySent:
			c.Sent++
		case DisplayFailed:
			c.Failed++
		case DisplayWaiting:
			c.Waiting++
		}
	}
	return c
}

// Clone returns a copy whose item slice does not alias the receiver's.
func (s RunState) Clone() RunState {
	out := s
	if s.Items != nil {
		out.Items = make([]BatchItem, len(s.Items))
		copy(out.Items, s.Items)
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
