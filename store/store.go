// Package store is the Job Store (spec.md §4.A): a transactional, durable
// record of every EmailJob and the users referenced by it. It is the
// source of truth for job state; the Delay Queue may go stale, the store
// never does.
package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/outboxhq/outbox/internal/domain"
	"github.com/outboxhq/outbox/internal/idgen"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	jobsBucket  = "jobs"
	usersBucket = "users"
)

// Store is a bbolt-backed implementation of the Job Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a BoltDB database at path and ensures
// the jobs and users buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(jobsBucket)); err != nil {
			return errors.Wrapf(err, "create %s bucket", jobsBucket)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(usersBucket)); err != nil {
			return errors.Wrapf(err, "create %s bucket", usersBucket)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize job store buckets")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create assigns an id, sets status SCHEDULED and createdAt/updatedAt to
// now, and persists the job. The caller-supplied ScheduledAt is preserved.
func (s *Store) Create(job domain.EmailJob) (domain.EmailJob, error) {
	now := time.Now()
	job.ID = idgen.New()
	job.Status = domain.Scheduled
	job.CreatedAt = now
	job.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		encoded, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job")
		}
		return errors.Wrap(b.Put([]byte(job.ID), encoded), "put job")
	})
	if err != nil {
		return domain.EmailJob{}, err
	}
	return job, nil
}

// Get loads a job by id. It returns nil, nil when the job does not exist.
func (s *Store) Get(id string) (*domain.EmailJob, error) {
	var job *domain.EmailJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		val := b.Get([]byte(id))
		if val == nil {
			return nil
		}
		var decoded domain.EmailJob
		if err := json.Unmarshal(val, &decoded); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}
		job = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StatusUpdate names the fields UpdateStatus may stamp alongside the new
// status. Zero values are left untouched.
type StatusUpdate struct {
	SentAt   *time.Time
	FailedAt *time.Time
}

// UpdateStatus atomically rewrites a job's status and timestamp fields.
// There are no preconditions on the prior status: the worker pool is the
// only writer after creation, and idempotency is enforced by the caller
// reading the record before deciding to write.
func (s *Store) UpdateStatus(id string, newStatus domain.Status, ts StatusUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		val := b.Get([]byte(id))
		if val == nil {
			return errors.Errorf("job %s not found", id)
		}

		var job domain.EmailJob
		if err := json.Unmarshal(val, &job); err != nil {
			return errors.Wrap(err, "unmarshal job")
		}

		job.Status = newStatus
		job.UpdatedAt = time.Now()
		if ts.SentAt != nil {
			job.SentAt = ts.SentAt
		}
		if ts.FailedAt != nil {
			job.FailedAt = ts.FailedAt
		}

		encoded, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job")
		}
		return errors.Wrap(b.Put([]byte(id), encoded), "put job")
	})
}

// ListByStatus returns every job whose status is in statuses, ordered by
// orderBy.
func (s *Store) ListByStatus(statuses []domain.Status, orderBy domain.OrderBy) ([]domain.EmailJob, error) {
	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var jobs []domain.EmailJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job domain.EmailJob
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job")
			}
			if want[job.Status] {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch orderBy {
	case domain.OrderSentAtDesc:
		sort.Slice(jobs, func(i, j int) bool {
			ti, tj := sentOrZero(jobs[i]), sentOrZero(jobs[j])
			return ti.After(tj)
		})
	default:
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
		})
	}
	return jobs, nil
}

func sentOrZero(job domain.EmailJob) time.Time {
	if job.SentAt == nil {
		return time.Time{}
	}
	return *job.SentAt
}

// ListPending returns every job in SCHEDULED or PROCESSING, used by
// Recovery on startup.
func (s *Store) ListPending() ([]domain.EmailJob, error) {
	return s.ListByStatus([]domain.Status{domain.Scheduled, domain.Processing}, domain.OrderScheduledAtAsc)
}

// UpsertUser creates a user record if absent, or returns the existing
// record matching email unchanged. Scheduling callers resolve the sender
// to a UserID this way before creating an EmailJob.
func (s *Store) UpsertUser(email, name string) (domain.User, error) {
	var user domain.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(usersBucket))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing domain.User
			if err := json.Unmarshal(v, &existing); err != nil {
				return errors.Wrap(err, "unmarshal user")
			}
			if existing.Email == email {
				user = existing
				return nil
			}
		}

		user = domain.User{ID: idgen.New(), Email: email, Name: name}
		encoded, err := json.Marshal(user)
		if err != nil {
			return errors.Wrap(err, "marshal user")
		}
		return errors.Wrap(b.Put([]byte(user.ID), encoded), "put user")
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// GetUser loads a user by id. It returns nil, nil when absent.
func (s *Store) GetUser(id string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(usersBucket))
		val := b.Get([]byte(id))
		if val == nil {
			return nil
		}
		var decoded domain.User
		if err := json.Unmarshal(val, &decoded); err != nil {
			return errors.Wrap(err, "unmarshal user")
		}
		user = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
