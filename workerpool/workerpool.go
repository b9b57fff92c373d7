// Package workerpool is the Worker Pool (spec.md §4.D): a bounded-
// concurrency consumer of the Delay Queue that runs the seven-step
// dispatch algorithm for each entry. The goroutine-per-slot/WaitGroup
// shape is adapted from the teacher's email.StartDispatcherWithContext;
// the channel-of-tasks fan-out there becomes direct Delay Queue polling
// here, since OutBox's queue is durable rather than an in-memory channel.
package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/outboxhq/outbox/clock"
	"github.com/outboxhq/outbox/delayqueue"
	"github.com/outboxhq/outbox/internal/domain"
	"github.com/outboxhq/outbox/internal/idgen"
	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/outboxerr"
	"github.com/outboxhq/outbox/logger"
	"github.com/outboxhq/outbox/ratelimit"
	"github.com/outboxhq/outbox/store"
	"github.com/outboxhq/outbox/transport"
)

// payload is the JSON body carried by every queue entry.
type payload struct {
	EmailJobID string `json:"emailJobId"`
}

// Config bounds a Pool's behavior per spec.md §4.D and §4.G.
type Config struct {
	Concurrency           int
	MinDelayBetweenEmails time.Duration
	ThrottlePerSecond     int
	TransportRetryLimit   int
}

// Pool is the Worker Pool: Concurrency goroutines each pull entries off the
// Delay Queue and run the dispatch algorithm.
type Pool struct {
	cfg      Config
	store    *store.Store
	queue    *delayqueue.Queue
	limiter  *ratelimit.HourlyLimiter
	sender   transport.Sender
	clk      clock.Clock
	metrics  *metrics.Metrics
	log      logger.Logger
	throttle *ratelimit.Throttle

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool wired to its collaborators.
func New(cfg Config, st *store.Store, q *delayqueue.Queue, limiter *ratelimit.HourlyLimiter, sender transport.Sender, clk clock.Clock, log logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.TransportRetryLimit <= 0 {
		cfg.TransportRetryLimit = 3
	}
	return &Pool{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		sender:   sender,
		clk:      clk,
		metrics:  metrics.GetMetrics(),
		log:      log,
		throttle: ratelimit.NewThrottle(cfg.ThrottlePerSecond, cfg.ThrottlePerSecond),
	}
}

// Start launches Concurrency dispatch goroutines. It returns immediately;
// call Stop to wind them down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		p.metrics.RecordWorkerStart()
		go p.runSlot(ctx, i+1)
	}
}

// Stop signals every dispatch goroutine to finish its current entry (if
// any) and exit, then waits for them.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runSlot(ctx context.Context, slotID int) {
	defer p.wg.Done()
	defer p.metrics.RecordWorkerStop()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.throttle.Wait(ctx); err != nil {
			return
		}

		entry, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		p.dispatch(ctx, entry)
	}
}

// dispatch runs the §4.D processing algorithm for one queue entry.
func (p *Pool) dispatch(ctx context.Context, entry delayqueue.Entry) {
	start := p.clk.Now()
	defer func() {
		p.metrics.RecordResponseTime("dispatch", p.clk.Now().Sub(start))
	}()

	var pl payload
	if err := json.Unmarshal(entry.Payload, &pl); err != nil {
		p.log.Errorf("malformed queue payload for %s: %v", entry.JobKey, err)
		_ = p.queue.MarkCompleted(entry)
		return
	}

	// Step 1-2: load record, handle missing.
	job, err := p.store.Get(pl.EmailJobID)
	if err != nil {
		p.log.Errorf("store read failed for job %s: %v", pl.EmailJobID, err)
		_ = p.queue.MarkFailed(entry, outboxerr.ErrStoreWrite{Cause: err})
		return
	}
	if job == nil {
		p.log.Infof("job %s not found, acknowledging as NOT_FOUND", pl.EmailJobID)
		_ = p.queue.MarkCompleted(entry)
		return
	}

	// Step 3: idempotency gate.
	if job.Status == domain.Sent {
		p.log.Infof("job %s already sent, acknowledging as ALREADY_SENT", job.ID)
		_ = p.queue.MarkCompleted(entry)
		return
	}
	if job.Status == domain.Failed {
		p.log.Infof("job %s previously failed, retrying on re-enqueue", job.ID)
	}

	// Step 4: rate-limit check.
	check := p.limiter.Check(job.UserID)
	if !check.Allowed {
		p.metrics.RecordEmailRateLimited()
		retryKey := idgen.RetryKey(job.ID, p.clk.Now().UnixNano())
		rePayload, _ := json.Marshal(payload{EmailJobID: job.ID})
		if err := p.queue.Enqueue(retryKey, rePayload, int(check.RetryAfterMs), p.cfg.TransportRetryLimit); err != nil {
			p.log.Errorf("failed to re-enqueue rate-limited job %s: %v", job.ID, err)
		}
		_ = p.queue.MarkCompleted(entry)
		return
	}

	// Step 5: mark PROCESSING.
	if err := p.store.UpdateStatus(job.ID, domain.Processing, store.StatusUpdate{}); err != nil {
		p.log.Errorf("failed to mark job %s PROCESSING: %v", job.ID, err)
		_ = p.queue.MarkFailed(entry, outboxerr.ErrStoreWrite{Cause: err})
		return
	}

	// Step 6: per-dispatch pacing.
	p.clk.Sleep(p.cfg.MinDelayBetweenEmails)

	// Step 7: send.
	_, sendErr := p.sender.Send(ctx, transport.Message{To: job.Recipient, Subject: job.Subject, Body: job.Body})
	if sendErr != nil {
		p.metrics.RecordError("transport")
		failedAt := p.clk.Now()
		if err := p.store.UpdateStatus(job.ID, domain.Failed, store.StatusUpdate{FailedAt: &failedAt}); err != nil {
			p.log.Errorf("failed to mark job %s FAILED: %v", job.ID, err)
		}
		p.metrics.RecordEmailFailed()
		_ = p.queue.MarkFailed(entry, outboxerr.ErrTransportFailure{Cause: sendErr})
		return
	}

	sentAt := p.clk.Now()
	if err := p.store.UpdateStatus(job.ID, domain.Sent, store.StatusUpdate{SentAt: &sentAt}); err != nil {
		p.log.Errorf("failed to mark job %s SENT after successful send: %v", job.ID, err)
		_ = p.queue.MarkFailed(entry, outboxerr.ErrStoreWrite{Cause: err})
		return
	}
	p.limiter.Increment(job.UserID)
	p.metrics.RecordEmailSent()
	_ = p.queue.MarkCompleted(entry)
}
