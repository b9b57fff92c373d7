package transport

import (
	"context"
	"errors"
	"net/smtp"
	"sync"
	"time"

	"github.com/outboxhq/outbox/config"
)

var (
	ErrPoolClosed    = errors.New("connection pool is closed")
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// PoolConfig tunes an SMTP connection pool. Zero values fall back to
// sensible defaults in NewPool.
type PoolConfig struct {
	InitialSize         int
	MaxSize             int
	MaxIdleTime         time.Duration
	MaxWaitTime         time.Duration
	HealthCheckInterval time.Duration
}

// Pool manages a set of authenticated SMTP connections, checking their
// health periodically and replacing connections that go stale.
type Pool struct {
	mu sync.RWMutex

	conns    chan *pooledConn
	numConns int
	config   PoolConfig
	smtpCfg  config.SMTPConfig

	healthCheckStop chan struct{}
	closed          bool
}

type pooledConn struct {
	client   *smtp.Client
	lastUsed time.Time
}

// NewPool creates a connection pool and eagerly opens poolCfg.InitialSize
// connections.
func NewPool(smtpCfg config.SMTPConfig, poolCfg PoolConfig) (*Pool, error) {
	if poolCfg.InitialSize <= 0 {
		poolCfg.InitialSize = 2
	}
	if poolCfg.MaxSize <= 0 {
		poolCfg.MaxSize = 10
	}
	if poolCfg.MaxIdleTime <= 0 {
		poolCfg.MaxIdleTime = 5 * time.Minute
	}
	if poolCfg.MaxWaitTime <= 0 {
		poolCfg.MaxWaitTime = 30 * time.Second
	}
	if poolCfg.HealthCheckInterval <= 0 {
		poolCfg.HealthCheckInterval = 30 * time.Second
	}

	p := &Pool{
		conns:           make(chan *pooledConn, poolCfg.MaxSize),
		config:          poolCfg,
		smtpCfg:         smtpCfg,
		healthCheckStop: make(chan struct{}),
	}

	for i := 0; i < poolCfg.InitialSize; i++ {
		conn, err := p.createConn()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.conns <- conn
		p.numConns++
	}

	go p.healthChecker()
	return p, nil
}

// Get returns a connection from the pool, replacing it with a fresh dial if
// it sat idle longer than MaxIdleTime. If none is free, it waits up to
// MaxWaitTime, then dials a new one if the pool has room or returns
// ErrPoolExhausted.
func (p *Pool) Get(ctx context.Context) (*smtp.Client, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.conns:
		if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
			_ = conn.client.Close()
			fresh, err := p.createConn()
			if err != nil {
				return nil, err
			}
			return fresh.client, nil
		}
		return conn.client, nil

	case <-time.After(p.config.MaxWaitTime):
		p.mu.Lock()
		if p.numConns < p.config.MaxSize {
			conn, err := p.createConn()
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.numConns++
			p.mu.Unlock()
			return conn.client, nil
		}
		p.mu.Unlock()
		return nil, ErrPoolExhausted

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool, closing it if the pool is full or
// closed.
func (p *Pool) Put(client *smtp.Client) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return client.Close()
	}

	conn := &pooledConn{client: client, lastUsed: time.Now()}
	select {
	case p.conns <- conn:
		return nil
	default:
		return client.Close()
	}
}

// Close closes the pool and every connection it holds.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.healthCheckStop)
	close(p.conns)
	for conn := range p.conns {
		_ = conn.client.Close()
	}
	return nil
}

func (p *Pool) createConn() (*pooledConn, error) {
	client, err := ConnectSMTP(context.Background(), p.smtpCfg)
	if err != nil {
		return nil, err
	}
	return &pooledConn{client: client, lastUsed: time.Now()}, nil
}

func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkConnections()
		case <-p.healthCheckStop:
			return
		}
	}
}

func (p *Pool) checkConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	checkCount := len(p.conns)
	if checkCount > 5 {
		checkCount = 5
	}

	var healthy []*pooledConn
	unhealthy := 0

	for i := 0; i < checkCount && len(p.conns) > 0; i++ {
		conn := <-p.conns
		if p.isHealthy(conn) {
			healthy = append(healthy, conn)
		} else {
			_ = conn.client.Close()
			unhealthy++
			p.numConns--
		}
	}

	for i := 0; i < unhealthy && p.numConns < p.config.MaxSize; i++ {
		if conn, err := p.createConn(); err == nil {
			healthy = append(healthy, conn)
			p.numConns++
		}
	}

	for _, conn := range healthy {
		p.conns <- conn
	}
}

func (p *Pool) isHealthy(conn *pooledConn) bool {
	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	return conn.client.Noop() == nil
}
