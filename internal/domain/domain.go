// Package domain holds the entities shared across the Job Store, Delay
// Queue, Rate Limiter, Worker Pool, and Scheduler API.
package domain

import "time"

// Status is the EmailJob state machine (spec.md §3/§4.D).
type Status string

const (
	Scheduled  Status = "SCHEDULED"
	Processing Status = "PROCESSING"
	Sent       Status = "SENT"
	Failed     Status = "FAILED"
)

// EmailJob is the durable record of one scheduled email.
type EmailJob struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// User is the minimal identity record referenced by EmailJob.UserID.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// OrderBy selects the sort applied by ListByStatus.
type OrderBy int

const (
	OrderScheduledAtAsc OrderBy = iota
	OrderSentAtDesc
)

// Pending reports whether a status still requires dispatch attention, used
// by ListPending.
func (s Status) Pending() bool {
	return s == Scheduled || s == Processing
}

// Terminal reports whether the status is a terminal state for the record.
func (s Status) Terminal() bool {
	return s == Sent || s == Failed
}
