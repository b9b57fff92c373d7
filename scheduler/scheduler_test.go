package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/outboxhq/outbox/clock"
	"github.com/outboxhq/outbox/delayqueue"
	"github.com/outboxhq/outbox/store"
)

func setupScheduler(t *testing.T) (*Scheduler, *store.Store, *delayqueue.Queue, *clock.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := delayqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("delayqueue.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	fc := clock.NewFake(time.Now())
	return New(st, q, fc), st, q, fc
}

func TestScheduleOneDefaultsScheduledAtToNow(t *testing.T) {
	s, _, q, _ := setupScheduler(t)

	job, err := s.ScheduleOne(ScheduleOneRequest{
		SenderEmail: "sender@example.com",
		Recipient:   "rcpt@example.com",
		Subject:     "hi",
		Body:        "body",
	})
	if err != nil {
		t.Fatalf("ScheduleOne failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected immediate dispatch for a no-delay job, got: %v", err)
	}
	if entry.JobKey != job.ID {
		t.Errorf("expected queue entry jobKey to equal job id, got %s vs %s", entry.JobKey, job.ID)
	}
}

func TestScheduleOneDelayOverridesScheduledAt(t *testing.T) {
	s, _, q, _ := setupScheduler(t)

	farFuture := time.Now().Add(24 * time.Hour)
	delay := 0
	job, err := s.ScheduleOne(ScheduleOneRequest{
		SenderEmail: "sender@example.com",
		Recipient:   "rcpt@example.com",
		Subject:     "hi",
		Body:        "body",
		ScheduledAt: &farFuture,
		DelayMs:     &delay,
	})
	if err != nil {
		t.Fatalf("ScheduleOne failed: %v", err)
	}
	if !job.ScheduledAt.Before(farFuture) {
		t.Errorf("expected DelayMs=0 to override the far-future ScheduledAt, got %v", job.ScheduledAt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.Dequeue(ctx); err != nil {
		t.Errorf("expected delay override to make the job ready immediately, got: %v", err)
	}
}

func TestScheduleOneRejectsEmptyFields(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	_, err := s.ScheduleOne(ScheduleOneRequest{SenderEmail: "a@example.com"})
	if err == nil {
		t.Error("expected validation error for missing recipient/subject/body")
	}
}

func TestScheduleBulkStaggersByDelayBetweenEmails(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	start := time.Now().Add(time.Hour)
	result, err := s.ScheduleBulk(ScheduleBulkRequest{
		SenderEmail:        "sender@example.com",
		Recipients:         []string{"a@example.com", "b@example.com", "c@example.com"},
		Subject:            "hi",
		Body:               "body",
		StartTime:          start,
		DelayBetweenEmails: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("ScheduleBulk failed: %v", err)
	}
	if result.TotalScheduled != 3 {
		t.Errorf("expected 3 scheduled, got %d", result.TotalScheduled)
	}
	if !result.FirstSendAt.Equal(start) {
		t.Errorf("expected FirstSendAt to equal start, got %v", result.FirstSendAt)
	}
	wantLast := start.Add(20 * time.Minute)
	if !result.LastSendAt.Equal(wantLast) {
		t.Errorf("expected LastSendAt %v, got %v", wantLast, result.LastSendAt)
	}
	for i, job := range result.Jobs {
		want := start.Add(time.Duration(i) * 10 * time.Minute)
		if !job.ScheduledAt.Equal(want) {
			t.Errorf("job %d: expected scheduledAt %v, got %v", i, want, job.ScheduledAt)
		}
	}
}

func TestScheduleBulkRejectsEmptyRecipients(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	_, err := s.ScheduleBulk(ScheduleBulkRequest{SenderEmail: "a@example.com", Subject: "s", Body: "b"})
	if err == nil {
		t.Error("expected validation error for empty recipients")
	}
}

func TestListScheduledOrdersByScheduledAtAscending(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	now := time.Now()
	later := now.Add(2 * time.Hour)
	earlier := now.Add(time.Hour)

	if _, err := s.ScheduleOne(ScheduleOneRequest{SenderEmail: "a@example.com", Recipient: "x@example.com", Subject: "s", Body: "b", ScheduledAt: &later}); err != nil {
		t.Fatalf("ScheduleOne failed: %v", err)
	}
	if _, err := s.ScheduleOne(ScheduleOneRequest{SenderEmail: "a@example.com", Recipient: "y@example.com", Subject: "s", Body: "b", ScheduledAt: &earlier}); err != nil {
		t.Fatalf("ScheduleOne failed: %v", err)
	}

	jobs, err := s.ListScheduled()
	if err != nil {
		t.Fatalf("ListScheduled failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Recipient != "y@example.com" || jobs[1].Recipient != "x@example.com" {
		t.Fatalf("expected ascending scheduledAt order, got %+v", jobs)
	}
}
