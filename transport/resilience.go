package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Note: this intentionally carries over only the circuit breaker and error
// classifier from the teacher's resilience package, not its retry policy.
// OutBox's retries happen at the Delay Queue level, across separate
// dispatch attempts (spec.md §4.B); retrying inside Send here too would
// double the retry budget and contradict the queue's backoff accounting.

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

// ErrorType classifies a transport error for circuit breaker bookkeeping.
type ErrorType int

const (
	UnknownError ErrorType = iota
	NetworkError
	AuthError
	QuotaError
	TemporaryError
	PermanentError
)

// ErrorClassifier maps raw SMTP error text to an ErrorType.
type ErrorClassifier struct {
	patterns map[string]ErrorType
}

// NewErrorClassifier builds a classifier with the patterns observed from
// common SMTP relay responses.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{
		patterns: map[string]ErrorType{
			"connection refused":  NetworkError,
			"timeout":             NetworkError,
			"authentication":      AuthError,
			"quota":               QuotaError,
			"rate limit":          QuotaError,
			"temporary":           TemporaryError,
			"mailbox unavailable": TemporaryError,
			"invalid recipient":   PermanentError,
			"permanent failure":   PermanentError,
		},
	}
}

// ClassifyError returns the ErrorType matching err's message, or
// UnknownError if nothing matches.
func (c *ErrorClassifier) ClassifyError(err error) ErrorType {
	if err == nil {
		return UnknownError
	}
	errStr := strings.ToLower(err.Error())
	for pattern, errType := range c.patterns {
		if strings.Contains(errStr, pattern) {
			return errType
		}
	}
	return UnknownError
}

// ErrCircuitBreakerOpen is returned by Call while the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips once its failure count reaches maxFailures (each
// success while closed lowers the count by one) and stops admitting calls
// for timeout, protecting a struggling SMTP relay from further load.
type CircuitBreaker struct {
	mu sync.RWMutex

	maxFailures  int64
	timeout      time.Duration
	resetTimeout time.Duration

	state        CircuitBreakerState
	failures     int64
	successes    int64
	lastFailTime time.Time
	nextAttempt  time.Time

	classifier  *ErrorClassifier
	errorCounts map[ErrorType]int64
}

// NewCircuitBreaker builds a breaker with the given failure threshold and
// open-state timeout.
func NewCircuitBreaker(maxFailures int64, timeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		timeout:      timeout,
		resetTimeout: timeout * 2,
		state:        Closed,
		classifier:   NewErrorClassifier(),
		errorCounts:  make(map[ErrorType]int64),
	}
}

// Call runs fn if the breaker admits it, recording the outcome.
func (cb *CircuitBreaker) Call(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(cb.nextAttempt) {
			cb.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	switch cb.state {
	case HalfOpen:
		cb.state = Closed
		cb.failures = 0
	case Closed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errorCounts[cb.classifier.ClassifyError(err)]++
	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == Closed && cb.failures >= cb.maxFailures {
		cb.state = Open
		cb.nextAttempt = time.Now().Add(cb.timeout)
	} else if cb.state == HalfOpen {
		cb.state = Open
		cb.nextAttempt = time.Now().Add(cb.resetTimeout)
	}
}

// State returns the current breaker state, for observability.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
