package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMetricsSingleton(t *testing.T) {
	once = sync.Once{}
	instance = nil

	m1 := GetMetrics()
	m2 := GetMetrics()
	if m1 != m2 {
		t.Error("GetMetrics should return the same instance")
	}
}

func TestRecordEmailCounters(t *testing.T) {
	m := GetMetrics()

	sent := m.EmailsSent.Value()
	m.RecordEmailSent()
	if m.EmailsSent.Value() != sent+1 {
		t.Errorf("expected EmailsSent %d, got %d", sent+1, m.EmailsSent.Value())
	}

	failed := m.EmailsFailed.Value()
	m.RecordEmailFailed()
	if m.EmailsFailed.Value() != failed+1 {
		t.Errorf("expected EmailsFailed %d, got %d", failed+1, m.EmailsFailed.Value())
	}

	rateLimited := m.EmailsRateLimited.Value()
	m.RecordEmailRateLimited()
	if m.EmailsRateLimited.Value() != rateLimited+1 {
		t.Errorf("expected EmailsRateLimited %d, got %d", rateLimited+1, m.EmailsRateLimited.Value())
	}

	retried := m.EmailsRetried.Value()
	m.RecordEmailRetried()
	if m.EmailsRetried.Value() != retried+1 {
		t.Errorf("expected EmailsRetried %d, got %d", retried+1, m.EmailsRetried.Value())
	}
}

func TestWorkerMetrics(t *testing.T) {
	m := GetMetrics()

	initial := m.ActiveWorkers.Value()
	m.RecordWorkerStart()
	m.RecordWorkerStart()
	if m.ActiveWorkers.Value() != initial+2 {
		t.Errorf("expected %d active workers, got %d", initial+2, m.ActiveWorkers.Value())
	}

	m.RecordWorkerStop()
	if m.ActiveWorkers.Value() != initial+1 {
		t.Errorf("expected %d active workers, got %d", initial+1, m.ActiveWorkers.Value())
	}
}

func TestSMTPConnectionMetrics(t *testing.T) {
	m := GetMetrics()

	initial := m.SMTPConnections.Value()
	m.RecordSMTPConnection()
	if m.SMTPConnections.Value() != initial+1 {
		t.Errorf("expected %d connections, got %d", initial+1, m.SMTPConnections.Value())
	}

	m.RecordSMTPDisconnection()
	if m.SMTPConnections.Value() != initial {
		t.Errorf("expected %d connections, got %d", initial, m.SMTPConnections.Value())
	}
}

func TestResponseTimeAndErrorCountersDoNotPanic(t *testing.T) {
	m := GetMetrics()
	m.RecordResponseTime("dispatch", 100*time.Millisecond)
	m.RecordError("smtp_error")
	m.RecordError("smtp_error")
}

func TestMetricsServerShutsDownOnContextCancel(t *testing.T) {
	m := GetMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartMetricsServer(ctx, 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("metrics server did not shut down after context cancel")
	}
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	m := GetMetrics()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	m.healthHandler(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"healthy"`) {
		t.Errorf("expected healthy body, got %q", rr.Body.String())
	}
}

func TestReadinessHandlerReflectsActiveWorkers(t *testing.T) {
	m := GetMetrics()

	for m.ActiveWorkers.Value() > 0 {
		m.RecordWorkerStop()
	}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	m.readinessHandler(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected %d with no workers, got %d", http.StatusServiceUnavailable, rr.Code)
	}

	m.RecordWorkerStart()
	rr2 := httptest.NewRecorder()
	m.readinessHandler(rr2, req)
	if rr2.Code != http.StatusOK {
		t.Errorf("expected %d with an active worker, got %d", http.StatusOK, rr2.Code)
	}
	if !strings.Contains(rr2.Body.String(), `"status":"ready"`) {
		t.Errorf("expected ready body, got %q", rr2.Body.String())
	}
}
