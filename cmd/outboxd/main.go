// Command outboxd runs the OutBox scheduling and dispatch daemon: it loads
// configuration, opens the Job Store and Delay Queue, runs Recovery once,
// then starts the Worker Pool and metrics server until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/outboxhq/outbox/clock"
	"github.com/outboxhq/outbox/config"
	"github.com/outboxhq/outbox/delayqueue"
	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/logger"
	"github.com/outboxhq/outbox/ratelimit"
	"github.com/outboxhq/outbox/recovery"
	"github.com/outboxhq/outbox/store"
	"github.com/outboxhq/outbox/transport"
	"github.com/outboxhq/outbox/workerpool"
	"github.com/spf13/pflag"
)

type flags struct {
	dbPath      string
	queueDBPath string
	dryRun      bool
}

func parseFlags() flags {
	var f flags
	pflag.StringVar(&f.dbPath, "db-path", "", "Override OUTBOX_DB_PATH for the Job Store")
	pflag.StringVar(&f.queueDBPath, "queue-db-path", "", "Path to the Delay Queue's database (default: <db-path>.queue)")
	pflag.BoolVar(&f.dryRun, "dry-run", false, "Load and validate configuration, then exit without starting the pool")
	pflag.Parse()
	return f
}

func main() {
	f := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxd: config error: %v\n", err)
		os.Exit(1)
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	queuePath := f.queueDBPath
	if queuePath == "" {
		queuePath = cfg.DBPath + ".queue"
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if f.dryRun {
		log.Infof("outboxd: configuration valid, exiting (--dry-run)")
		return
	}

	if err := run(cfg, queuePath, log); err != nil {
		log.Errorf("outboxd: fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, queuePath string, log logger.Logger) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer st.Close()

	q, err := delayqueue.Open(queuePath)
	if err != nil {
		return fmt.Errorf("open delay queue: %w", err)
	}
	defer q.Close()

	clk := clock.New()
	limiter := ratelimit.NewHourlyLimiter(cfg.MaxEmailsPerHourPerSender, cfg.GlobalMaxEmailsPerHour, clk)
	defer limiter.Close()

	sender, err := transport.NewSMTPSender(cfg.SMTP)
	if err != nil {
		return fmt.Errorf("build SMTP sender: %w", err)
	}
	defer sender.Close()

	rec := recovery.New(st, q, clk, log)
	requeued, err := rec.Run()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	log.Infof("outboxd: recovery re-queued %d pending job(s)", requeued)

	pool := workerpool.New(workerpool.Config{
		Concurrency:           cfg.WorkerConcurrency,
		MinDelayBetweenEmails: cfg.MinDelayBetweenEmails,
		ThrottlePerSecond:     cfg.QueueRateLimitPerSecond,
		TransportRetryLimit:   cfg.TransportRetryAttempts,
	}, st, q, limiter, sender, clk, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	log.Infof("outboxd: worker pool started with concurrency %d", cfg.WorkerConcurrency)

	go func() {
		if err := metrics.GetMetrics().StartMetricsServer(ctx, cfg.Metrics.Port); err != nil {
			log.Errorf("metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("outboxd: shutdown signal received, draining worker pool")
	pool.Stop()
	log.Infof("outboxd: shutdown complete")
	return nil
}
