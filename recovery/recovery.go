// Package recovery runs once at process start, before the Worker Pool
// begins consuming (spec.md §4.F): it resets orphaned PROCESSING jobs back
// to SCHEDULED and re-queues anything pending that the Delay Queue no
// longer has an entry for.
package recovery

import (
	"encoding/json"

	"github.com/outboxhq/outbox/clock"
	"github.com/outboxhq/outbox/delayqueue"
	"github.com/outboxhq/outbox/internal/domain"
	"github.com/outboxhq/outbox/logger"
	"github.com/outboxhq/outbox/store"
)

const retryLimit = 3

// Recovery reconciles the Job Store and Delay Queue on startup.
type Recovery struct {
	store *store.Store
	queue *delayqueue.Queue
	clk   clock.Clock
	log   logger.Logger
}

// New builds a Recovery.
func New(st *store.Store, q *delayqueue.Queue, clk clock.Clock, log logger.Logger) *Recovery {
	return &Recovery{store: st, queue: q, clk: clk, log: log}
}

// Run resets orphaned PROCESSING records to SCHEDULED, then re-queues every
// pending job the Delay Queue doesn't already have a live entry for. It
// returns the number of jobs it re-queued. Running Run twice in a row has
// the same effect as running it once: the second pass finds every record
// already SCHEDULED and Exists already true, so it re-queues nothing.
func (r *Recovery) Run() (int, error) {
	pending, err := r.store.ListPending()
	if err != nil {
		return 0, err
	}

	requeued := 0
	now := r.clk.Now()

	for _, job := range pending {
		if job.Status == domain.Processing {
			if err := r.store.UpdateStatus(job.ID, domain.Scheduled, store.StatusUpdate{}); err != nil {
				r.log.Errorf("recovery: failed to reset job %s to SCHEDULED: %v", job.ID, err)
				continue
			}
		}

		exists, err := r.queue.Exists(job.ID)
		if err != nil {
			r.log.Errorf("recovery: failed to check queue for job %s: %v", job.ID, err)
			continue
		}
		if exists {
			continue
		}

		delayMs := int(job.ScheduledAt.Sub(now).Milliseconds())
		if delayMs < 0 {
			delayMs = 0
		}

		payload, _ := json.Marshal(map[string]string{"emailJobId": job.ID})
		if err := r.queue.Enqueue(job.ID, payload, delayMs, retryLimit); err != nil {
			r.log.Errorf("recovery: failed to re-enqueue job %s: %v", job.ID, err)
			continue
		}
		requeued++
	}

	r.log.Infof("recovery: reconciled %d pending jobs, re-queued %d", len(pending), requeued)
	return requeued, nil
}
