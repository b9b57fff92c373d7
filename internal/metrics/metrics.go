// Package metrics exposes process counters for the scheduling and dispatch
// pipeline over expvar, consolidating what was two competing metrics
// packages in the teacher repo into one.
package metrics

import (
	"context"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds process-wide counters for the job lifecycle and dispatch
// pipeline.
type Metrics struct {
	EmailsScheduled   *expvar.Int
	EmailsSent        *expvar.Int
	EmailsFailed      *expvar.Int
	EmailsRateLimited *expvar.Int
	EmailsRetried     *expvar.Int
	SMTPConnections   *expvar.Int
	ActiveWorkers     *expvar.Int
	ResponseTimes     *expvar.Map
	ErrorCounts       *expvar.Map
	startTime         time.Time
	log               *logrus.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// GetMetrics returns the process-wide singleton.
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			EmailsScheduled:   expvar.NewInt("outbox_emails_scheduled_total"),
			EmailsSent:        expvar.NewInt("outbox_emails_sent_total"),
			EmailsFailed:      expvar.NewInt("outbox_emails_failed_total"),
			EmailsRateLimited: expvar.NewInt("outbox_emails_rate_limited_total"),
			EmailsRetried:     expvar.NewInt("outbox_emails_retried_total"),
			SMTPConnections:   expvar.NewInt("outbox_smtp_connections_active"),
			ActiveWorkers:     expvar.NewInt("outbox_workers_active"),
			ResponseTimes:     expvar.NewMap("outbox_response_times_ms"),
			ErrorCounts:       expvar.NewMap("outbox_error_counts"),
			startTime:         time.Now(),
			log:               logrus.New(),
		}

		expvar.Publish("outbox_uptime_seconds", expvar.Func(func() any {
			return int64(time.Since(instance.startTime).Seconds())
		}))
	})
	return instance
}

func (m *Metrics) RecordEmailScheduled()    { m.EmailsScheduled.Add(1) }
func (m *Metrics) RecordEmailSent()         { m.EmailsSent.Add(1) }
func (m *Metrics) RecordEmailFailed()       { m.EmailsFailed.Add(1) }
func (m *Metrics) RecordEmailRateLimited()  { m.EmailsRateLimited.Add(1) }
func (m *Metrics) RecordEmailRetried()      { m.EmailsRetried.Add(1) }
func (m *Metrics) RecordSMTPConnection()    { m.SMTPConnections.Add(1) }
func (m *Metrics) RecordSMTPDisconnection() { m.SMTPConnections.Add(-1) }
func (m *Metrics) RecordWorkerStart()       { m.ActiveWorkers.Add(1) }
func (m *Metrics) RecordWorkerStop()        { m.ActiveWorkers.Add(-1) }

// RecordResponseTime records how long a named operation (e.g. "dispatch",
// "send") took.
func (m *Metrics) RecordResponseTime(operation string, duration time.Duration) {
	m.ResponseTimes.Add(operation, int64(duration.Milliseconds()))
}

// RecordError increments a named error-kind counter (e.g. "transport",
// "store_write").
func (m *Metrics) RecordError(kind string) {
	m.ErrorCounts.Add(kind, 1)
}

// StartMetricsServer serves /metrics, /health, and /ready until ctx is
// cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/health", m.healthHandler)
	mux.HandleFunc("/ready", m.readinessHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Errorf("metrics server shutdown: %v", err)
		}
	}()

	m.log.Infof("metrics server starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Metrics) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func (m *Metrics) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	active := m.ActiveWorkers.Value()
	if active > 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","active_workers":` + strconv.FormatInt(active, 10) + `}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"not_ready","active_workers":0}`))
}
