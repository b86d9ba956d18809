package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// SessionFactory builds a new Session for the pool.
type SessionFactory func() (Session, error)

type PoolConfig struct {
	Size              int
	AcquireTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// SessionPool hands out a fixed number of sessions. Sessions lost through
// Discard are rebuilt in the background.
type SessionPool struct {
	sessions       chan Session
	size           int
	acquireTimeout time.Duration
	factory        SessionFactory

	mu         sync.Mutex
	closed     bool
	live       int
	metrics    poolMetrics
	lastErrors []error

	wake chan struct{}
	stop chan struct{}
}

type poolMetrics struct {
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Size            int     `json:"pool_size"`
	Idle            int     `json:"sessions_idle"`
	InUse           int     `json:"sessions_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	Discarded       int64   `json:"discarded"`
	AverageWaitMs   float64 `json:"average_wait_ms"`
	LastError       string  `json:"last_error,omitempty"`
}

func NewSessionPool(cfg PoolConfig, factory SessionFactory) (*SessionPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = DefaultHealthCheckPeriod
	}

	pool := &SessionPool{
		sessions:       make(chan Session, cfg.Size),
		size:           cfg.Size,
		acquireTimeout: cfg.AcquireTimeout,
		factory:        factory,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, errors.Wrapf(err, "failed to initialize session %d", i)
		}
		pool.sessions <- session
		pool.live++
	}

	go pool.healthCheck(cfg.HealthCheckPeriod)

	return pool, nil
}

// Acquire waits for a free session until ctx is done or the acquire timeout
// passes.
func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.waitTime += time.Since(start)
		p.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.mu.Lock()
		p.metrics.acquireFailures++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a healthy session to the pool.
func (p *SessionPool) Release(session Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.inUse--
	p.metrics.totalReleased++

	if p.closed {
		session.Destroy()
		p.live--
		return
	}
	// live never exceeds size, so the buffered send cannot block.
	p.sessions <- session
}

// Discard destroys a session that failed and schedules a replacement.
func (p *SessionPool) Discard(session Session, cause error) {
	p.mu.Lock()
	session.Destroy()
	p.live--
	p.metrics.inUse--
	p.metrics.discarded++
	p.recordErrorLocked(cause)
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	// Sessions still checked out are destroyed on Release.
	for session := range p.sessions {
		session.Destroy()
		p.live--
	}
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.replenishSessions()
	}
}

func (p *SessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.recordErrorLocked(err)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Size:            p.size,
		Idle:            len(p.sessions),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
	}
	if p.metrics.totalAcquired > 0 {
		avg := p.metrics.waitTime / time.Duration(p.metrics.totalAcquired)
		stats.AverageWaitMs = float64(avg.Microseconds()) / 1000
	}
	if n := len(p.lastErrors); n > 0 {
		stats.LastError = p.lastErrors[n-1].Error()
	}
	return stats
}
