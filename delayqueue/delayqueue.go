// Package delayqueue is the Delay Queue (spec.md §4.B): a durable,
// ready-time-ordered queue of dispatch entries, backed by the same bbolt
// cursor-iteration idiom the Job Store uses.
//
// Entries are keyed "<readyAtMs zero-padded to 20 digits>|<jobKey>" so a
// forward bucket cursor visits them in ready-time order for free; no
// separate index structure is needed.
package delayqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	readyBucket = "queue_ready"
	deadBucket  = "queue_dead"

	backoffBase   = time.Second
	backoffFactor = 2
	maxAttempts   = 3

	pollInterval = 200 * time.Millisecond
)

// Entry is one dispatch attempt record.
type Entry struct {
	JobKey     string          `json:"jobKey"`
	Payload    json.RawMessage `json:"payload"`
	ReadyAt    time.Time       `json:"readyAt"`
	Attempt    int             `json:"attempt"`
	RetryLimit int             `json:"retryLimit"`
	storeKey   string
}

// Queue is a bbolt-backed Delay Queue.
type Queue struct {
	db     *bbolt.DB
	ready  chan Entry
	cancel context.CancelFunc
}

// Open opens (creating if necessary) a BoltDB database at path, ensures the
// ready and dead buckets exist, and starts the background pump that feeds
// Dequeue.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open delay queue db at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(readyBucket)); err != nil {
			return errors.Wrapf(err, "create %s bucket", readyBucket)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(deadBucket)); err != nil {
			return errors.Wrapf(err, "create %s bucket", deadBucket)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize delay queue buckets")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{db: db, ready: make(chan Entry), cancel: cancel}
	go q.pump(ctx)
	return q, nil
}

// Close stops the pump goroutine and closes the database.
func (q *Queue) Close() error {
	q.cancel()
	return q.db.Close()
}

func storeKey(readyAt time.Time, jobKey string) string {
	return fmt.Sprintf("%020d|%s", readyAt.UnixMilli(), jobKey)
}

// Enqueue schedules payload for dispatch at now+delayMs (delayMs<0 is
// clamped to 0).
func (q *Queue) Enqueue(jobKey string, payload json.RawMessage, delayMs int, retryLimit int) error {
	if delayMs < 0 {
		delayMs = 0
	}
	entry := Entry{
		JobKey:     jobKey,
		Payload:    payload,
		ReadyAt:    time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		Attempt:    0,
		RetryLimit: retryLimit,
	}
	return q.put(entry)
}

func (q *Queue) put(entry Entry) error {
	key := storeKey(entry.ReadyAt, entry.JobKey)
	entry.storeKey = key

	encoded, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal queue entry")
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(readyBucket))
		return errors.Wrap(b.Put([]byte(key), encoded), "put queue entry")
	})
}

// pump wakes periodically, scans the ready bucket in key order (which is
// ready-time order), and hands off every due entry to Dequeue callers.
func (q *Queue) pump(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainDue(ctx)
		}
	}
}

func (q *Queue) drainDue(ctx context.Context) {
	for {
		entry, ok, err := q.popFront()
		if err != nil || !ok {
			return
		}
		select {
		case q.ready <- entry:
		case <-ctx.Done():
			return
		}
	}
}

// popFront removes and returns the earliest ready entry, if any.
func (q *Queue) popFront() (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	now := time.Now()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(readyBucket))
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var decoded Entry
		if err := json.Unmarshal(v, &decoded); err != nil {
			return errors.Wrap(err, "unmarshal queue entry")
		}
		if decoded.ReadyAt.After(now) {
			return nil
		}
		decoded.storeKey = string(k)
		if err := b.Delete(k); err != nil {
			return errors.Wrap(err, "delete queue entry")
		}
		entry = decoded
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Dequeue blocks until an entry is ready or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	select {
	case entry := <-q.ready:
		return entry, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Exists reports whether jobKey has a live entry anywhere in the ready
// bucket, used by Recovery to avoid double-queueing.
func (q *Queue) Exists(jobKey string) (bool, error) {
	var found bool
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(readyBucket))
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyJobKey(string(k)) == jobKey {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func keyJobKey(storeKey string) string {
	for i := 0; i < len(storeKey); i++ {
		if storeKey[i] == '|' {
			return storeKey[i+1:]
		}
	}
	return storeKey
}

// MarkCompleted acknowledges an entry permanently; nothing further to do
// since popFront already removed it from the ready bucket.
func (q *Queue) MarkCompleted(_ Entry) error {
	return nil
}

// MarkFailed retries entry with exponential backoff (base 1s, factor 2) up
// to its RetryLimit attempts, after which it is moved to the dead bucket
// for inspection and not retried further.
func (q *Queue) MarkFailed(entry Entry, cause error) error {
	entry.Attempt++
	if entry.Attempt >= entry.RetryLimit {
		return q.moveToDead(entry, cause)
	}

	backoff := backoffBase
	for i := 1; i < entry.Attempt; i++ {
		backoff *= backoffFactor
	}
	entry.ReadyAt = time.Now().Add(backoff)
	return q.put(entry)
}

func (q *Queue) moveToDead(entry Entry, cause error) error {
	record := struct {
		Entry
		LastError string    `json:"lastError"`
		DeadAt    time.Time `json:"deadAt"`
	}{Entry: entry, DeadAt: time.Now()}
	if cause != nil {
		record.LastError = cause.Error()
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal dead entry")
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(deadBucket))
		return errors.Wrap(b.Put([]byte(entry.JobKey), encoded), "put dead entry")
	})
}
