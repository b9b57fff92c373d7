package delayqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Enqueue("job-1", json.RawMessage(`{"n":1}`), 0, 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if entry.JobKey != "job-1" {
		t.Errorf("expected job-1, got %s", entry.JobKey)
	}
}

func TestEnqueueNegativeDelayClampsToZero(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Enqueue("job-neg", nil, -500, 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected immediate delivery for clamped delay, got error: %v", err)
	}
	if entry.JobKey != "job-neg" {
		t.Errorf("expected job-neg, got %s", entry.JobKey)
	}
}

func TestDequeueBlocksUntilReady(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Enqueue("job-future", nil, 500, 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Error("expected Dequeue to block past a short deadline for a not-yet-ready entry")
	}
}

func TestExistsReflectsLiveEntries(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Enqueue("job-exists", nil, 10_000, 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	found, err := q.Exists("job-exists")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !found {
		t.Error("expected Exists to report true for a queued entry")
	}

	found, err = q.Exists("job-absent")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if found {
		t.Error("expected Exists to report false for an unqueued key")
	}
}

func TestMarkFailedRetriesUpToLimitThenGoesDead(t *testing.T) {
	q := openTestQueue(t)

	entry := Entry{JobKey: "job-retry", ReadyAt: time.Now(), Attempt: 0, RetryLimit: 2}

	if err := q.MarkFailed(entry, errTestTransport{}); err != nil {
		t.Fatalf("first MarkFailed failed: %v", err)
	}
	// First failure re-queues with the same jobKey, not a dead record.
	found, err := q.Exists("job-retry")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !found {
		t.Error("expected job-retry to be re-queued after first failure")
	}

	// The re-queued entry becomes ready after the 1s backoff; take it off
	// the queue as a worker would before failing it a second time.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	entry, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue of re-queued entry failed: %v", err)
	}
	if entry.Attempt != 1 {
		t.Errorf("expected re-queued entry to carry attempt 1, got %d", entry.Attempt)
	}
	if err := q.MarkFailed(entry, errTestTransport{}); err != nil {
		t.Fatalf("second MarkFailed failed: %v", err)
	}

	// Attempt has now reached RetryLimit: the entry moves to the dead
	// bucket and is no longer live in the ready bucket.
	found, err = q.Exists("job-retry")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if found {
		t.Error("expected job-retry to be removed from the ready bucket once dead")
	}

	var deadVal []byte
	err = q.db.View(func(tx *bbolt.Tx) error {
		deadVal = tx.Bucket([]byte(deadBucket)).Get([]byte("job-retry"))
		return nil
	})
	if err != nil {
		t.Fatalf("dead bucket read failed: %v", err)
	}
	if deadVal == nil {
		t.Error("expected job-retry to be present in the dead bucket")
	}
}

type errTestTransport struct{}

func (errTestTransport) Error() string { return "transport failure" }
