package model

import "time"

type Status string

const (
	Pending   Status = "pending"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Sending, Sent, Failed, Cancelled:
		return true
	}
	return false
}

type QueuedMessage struct {
	ID          string     `json:"id"`
	Destination string     `json:"destination"`
	Body        string     `json:"body"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   *string    `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

// MessageUpdate carries the status-related fields the dispatcher may change.
// Nil fields are left untouched.
type MessageUpdate struct {
	Status      *Status
	Attempts    *int
	LastError   *string
	ProcessedAt *time.Time
	SentAt      *time.Time
}

func (u MessageUpdate) Empty() bool {
	return u.Status == nil && u.Attempts == nil && u.LastError == nil &&
		u.ProcessedAt == nil && u.SentAt == nil
}

func SendingUpdate(attempts int) MessageUpdate {
	s := Sending
	return MessageUpdate{Status: &s, Attempts: &attempts}
}

func SentUpdate(at time.Time) MessageUpdate {
	s := Sent
	at = at.UTC()
	return MessageUpdate{Status: &s, SentAt: &at, ProcessedAt: &at}
}

func FailedUpdate(reason string, at time.Time) MessageUpdate {
	s := Failed
	at = at.UTC()
	return MessageUpdate{Status: &s, LastError: &reason, ProcessedAt: &at}
}

// SendOutcome is the result of the single-message path.
type SendOutcome struct {
	ID              string `json:"id"`
	Status          Status `json:"status"`
	Error           string `json:"error,omitempty"`
	RemoteMessageID string `json:"remoteMessageId,omitempty"`
}
