// Package scheduler is OutBox's in-process Scheduler API (spec.md §4.E):
// the entrypoint an external façade calls to create EmailJob records and
// enqueue their first dispatch attempt.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/outboxhq/outbox/clock"
	"github.com/outboxhq/outbox/delayqueue"
	"github.com/outboxhq/outbox/internal/domain"
	"github.com/outboxhq/outbox/internal/outboxerr"
	"github.com/outboxhq/outbox/store"
)

// Scheduler resolves the sender to a user, writes EmailJob records, and
// enqueues their first dispatch entry.
type Scheduler struct {
	store *store.Store
	queue *delayqueue.Queue
	clk   clock.Clock
}

// New builds a Scheduler.
func New(st *store.Store, q *delayqueue.Queue, clk clock.Clock) *Scheduler {
	return &Scheduler{store: st, queue: q, clk: clk}
}

// ScheduleOneRequest is the validated DTO behind POST /api/schedule.
type ScheduleOneRequest struct {
	SenderEmail string
	SenderName  string
	Recipient   string
	Subject     string
	Body        string
	ScheduledAt *time.Time
	DelayMs     *int
}

// ScheduleOne resolves the sender, computes sendTime, writes the record,
// and enqueues its first dispatch attempt.
//
// sendTime precedence: if DelayMs is given it is applied as now+delay and
// overrides ScheduledAt when both are present. This is documented behavior
// (spec.md §9 open question #1), not validation-rejected.
func (s *Scheduler) ScheduleOne(req ScheduleOneRequest) (domain.EmailJob, error) {
	if req.Recipient == "" || req.Subject == "" || req.Body == "" {
		return domain.EmailJob{}, outboxerr.ErrValidation{Details: "recipient, subject, and body are required"}
	}

	user, err := s.store.UpsertUser(req.SenderEmail, req.SenderName)
	if err != nil {
		return domain.EmailJob{}, outboxerr.ErrStoreWrite{Cause: err}
	}

	now := s.clk.Now()
	sendTime := now
	if req.ScheduledAt != nil {
		sendTime = *req.ScheduledAt
	}
	if req.DelayMs != nil {
		sendTime = now.Add(time.Duration(*req.DelayMs) * time.Millisecond)
	}

	job, err := s.store.Create(domain.EmailJob{
		UserID:      user.ID,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: sendTime,
	})
	if err != nil {
		return domain.EmailJob{}, outboxerr.ErrStoreWrite{Cause: err}
	}

	delayMs := int(sendTime.Sub(now).Milliseconds())
	if delayMs < 0 {
		delayMs = 0
	}
	payload, _ := json.Marshal(map[string]string{"emailJobId": job.ID})
	if err := s.queue.Enqueue(job.ID, payload, delayMs, defaultRetryLimit); err != nil {
		return job, outboxerr.ErrQueueUnavailable{Cause: err}
	}

	return job, nil
}

// ScheduleBulkRequest is the validated DTO behind POST /api/schedule/bulk.
type ScheduleBulkRequest struct {
	SenderEmail         string
	SenderName          string
	Recipients          []string
	Subject             string
	Body                string
	StartTime           time.Time
	DelayBetweenEmails  time.Duration
	// HourlyLimit is accepted for forward compatibility with the HTTP API
	// but is not consulted by the stagger planner (spec.md §9 open
	// question #2); the effective cap remains whatever the Rate Limiter
	// is configured with.
	HourlyLimit int
}

// ScheduleBulkResult mirrors the bulk endpoint's success response.
type ScheduleBulkResult struct {
	TotalScheduled int
	FirstSendAt    time.Time
	LastSendAt     time.Time
	Jobs           []domain.EmailJob
}

const defaultRetryLimit = 3

// ScheduleBulk resolves the sender once, then creates and enqueues one
// record per recipient with strictly increasing ready times, staggered by
// DelayBetweenEmails.
func (s *Scheduler) ScheduleBulk(req ScheduleBulkRequest) (ScheduleBulkResult, error) {
	if len(req.Recipients) == 0 || req.Subject == "" || req.Body == "" {
		return ScheduleBulkResult{}, outboxerr.ErrValidation{Details: "recipients, subject, and body are required"}
	}

	user, err := s.store.UpsertUser(req.SenderEmail, req.SenderName)
	if err != nil {
		return ScheduleBulkResult{}, outboxerr.ErrStoreWrite{Cause: err}
	}

	now := s.clk.Now()
	jobs := make([]domain.EmailJob, 0, len(req.Recipients))

	for i, recipient := range req.Recipients {
		sendTime := req.StartTime.Add(time.Duration(i) * req.DelayBetweenEmails)

		job, err := s.store.Create(domain.EmailJob{
			UserID:      user.ID,
			Recipient:   recipient,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: sendTime,
		})
		if err != nil {
			return ScheduleBulkResult{}, outboxerr.ErrStoreWrite{Cause: err}
		}

		delayMs := int(sendTime.Sub(now).Milliseconds())
		if delayMs < 0 {
			delayMs = 0
		}
		payload, _ := json.Marshal(map[string]string{"emailJobId": job.ID})
		if err := s.queue.Enqueue(job.ID, payload, delayMs, defaultRetryLimit); err != nil {
			return ScheduleBulkResult{}, outboxerr.ErrQueueUnavailable{Cause: err}
		}

		jobs = append(jobs, job)
	}

	n := len(req.Recipients)
	return ScheduleBulkResult{
		TotalScheduled: n,
		FirstSendAt:    req.StartTime,
		LastSendAt:     req.StartTime.Add(time.Duration(n-1) * req.DelayBetweenEmails),
		Jobs:           jobs,
	}, nil
}

// ListAll returns every job, in any status, ordered by scheduledAt
// ascending.
func (s *Scheduler) ListAll() ([]domain.EmailJob, error) {
	return s.store.ListByStatus(
		[]domain.Status{domain.Scheduled, domain.Processing, domain.Sent, domain.Failed},
		domain.OrderScheduledAtAsc,
	)
}

// ListScheduled returns SCHEDULED jobs ordered by scheduledAt ascending.
func (s *Scheduler) ListScheduled() ([]domain.EmailJob, error) {
	return s.store.ListByStatus([]domain.Status{domain.Scheduled}, domain.OrderScheduledAtAsc)
}

// ListSent returns SENT and FAILED jobs ordered by sentAt descending.
func (s *Scheduler) ListSent() ([]domain.EmailJob, error) {
	return s.store.ListByStatus([]domain.Status{domain.Sent, domain.Failed}, domain.OrderSentAtDesc)
}
