package main

import (
	"context"
	"sync"
	"time"

	"github.com/spillguard/spill-detection-service/detections"
	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/perr"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// inferenceSession is what the pool hands out. *detections.ModelSession
// satisfies it
type inferenceSession interface {
	Run(ctx context.Context, input detections.Tensor) (detections.ProbabilityMap, error)
	Destroy()
}

type sessionFactory func() (inferenceSession, error)

// ModelSessionPool bounds concurrent inference to a fixed set of sessions and
// implements detections.Segmenter on top of them
type ModelSessionPool struct {
	sessions       chan inferenceSession
	size           int
	factory        sessionFactory
	acquireTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	live   int

	errMu      sync.Mutex
	lastErrors []error

	metrics *PoolMetrics
	stop    chan struct{}
	done    chan struct{}
}

// PoolMetrics are guarded counters updated on every acquire and release
type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a point in time copy of the pool metrics
type PoolStats struct {
	PoolSize        int           `json:"pool_size"`
	Available       int           `json:"sessions_available"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded_sessions"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

// NewModelSessionPool creates size sessions up front. Any failure destroys
// what was created and is returned
func NewModelSessionPool(factory sessionFactory, size int) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan inferenceSession, size),
		size:           size,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		metrics:        &PoolMetrics{},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			close(pool.done)
			pool.Destroy()
			return nil, perr.Wrapf(err, perr.ErrorCodeInference, "failed to initialize session %d", i)
		}
		pool.sessions <- session
		pool.live++
	}

	// Start health check routine
	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

// Infer implements detections.Segmenter
func (p *ModelSessionPool) Infer(ctx context.Context, input detections.Tensor) (detections.ProbabilityMap, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return detections.ProbabilityMap{}, err
	}

	out, err := session.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			p.Release(session)
		} else {
			// the session may be in a bad state after a runtime failure
			p.discard(session, err)
		}
		return detections.ProbabilityMap{}, perr.Wrap(err, perr.ErrorCodeInference, "model inference failed")
	}
	p.Release(session)
	return out, nil
}

// Acquire waits for a free session, up to AcquireTimeout
func (p *ModelSessionPool) Acquire(ctx context.Context) (inferenceSession, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, perr.Unavailablef("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, perr.Unavailablef("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, perr.Unavailablef("timeout waiting for available session")
	case <-ctx.Done():
		return nil, perr.Wrap(ctx.Err(), perr.ErrorCodeUnavailable, "gave up waiting for a session")
	}
}

// Release returns a session acquired with Acquire
func (p *ModelSessionPool) Release(session inferenceSession) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

func (p *ModelSessionPool) discard(session inferenceSession, cause error) {
	session.Destroy()
	p.recordError(cause)

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

// Destroy stops the health check and destroys every idle session. Sessions in
// use are destroyed when released
func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	close(p.sessions)
	p.mu.Unlock()

	<-p.done

	// Destroy all sessions
	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

// replenishSessions recreates sessions that were discarded after failures
func (p *ModelSessionPool) replenishSessions() {
	p.mu.RLock()
	missing := p.size - p.live
	p.mu.RUnlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			logger.Named("pool").Warn().Err(err).Msg("failed to recreate model session")
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// Size is the configured number of sessions
func (p *ModelSessionPool) Size() int { return p.size }

// GetMetrics returns a snapshot of the pool counters
func (p *ModelSessionPool) GetMetrics() PoolStats {
	p.metrics.mu.RLock()
	stats := PoolStats{
		PoolSize:        p.size,
		Available:       len(p.sessions),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
		WaitTime:        p.metrics.waitTime,
	}
	p.metrics.mu.RUnlock()

	p.errMu.Lock()
	for _, err := range p.lastErrors {
		stats.LastErrors = append(stats.LastErrors, err.Error())
	}
	p.errMu.Unlock()
	return stats
}

var _ detections.Segmenter = (*ModelSessionPool)(nil)
