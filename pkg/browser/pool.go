package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrCapacityExceeded is returned when acquiring a session would exceed
// the process-wide cap on concurrently open browser sessions.
var ErrCapacityExceeded = errors.New("browser session capacity exceeded")

// Pool bounds the number of concurrently open browser sessions on this
// host. The cap is a hard limit protecting host resources; callers are
// expected to retry against another worker on ErrCapacityExceeded.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]Session
	open     int
	factory  SessionFactory
	capacity int
	logger   *logrus.Logger
}

// NewPool creates a session pool with the given hard cap.
func NewPool(capacity int, factory SessionFactory, logger *logrus.Logger) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Pool{
		sessions: make(map[string]Session),
		factory:  factory,
		capacity: capacity,
		logger:   logger,
	}, nil
}

// Acquire opens a new session, or returns ErrCapacityExceeded when the
// pool is at its cap. The slot is reserved before the slow browser
// launch so concurrent acquirers cannot overshoot the cap.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	if p.open >= p.capacity {
		count := p.open
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{
			"open":     count,
			"capacity": p.capacity,
		}).Warn("Session capacity exceeded")
		return nil, ErrCapacityExceeded
	}
	p.open++
	p.mu.Unlock()

	session, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}

	p.mu.Lock()
	p.sessions[session.ID()] = session
	open := p.open
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"open":       open,
		"capacity":   p.capacity,
	}).Info("Browser session acquired")
	return session, nil
}

// Release closes a session and frees its slot. Close errors are logged,
// not returned; the slot is freed regardless.
func (p *Pool) Release(session Session) {
	if session == nil {
		return
	}

	p.mu.Lock()
	if _, tracked := p.sessions[session.ID()]; tracked {
		delete(p.sessions, session.ID())
		p.open--
	}
	open := p.open
	p.mu.Unlock()

	if err := session.Close(); err != nil {
		p.logger.WithError(err).WithField("session_id", session.ID()).
			Warn("Failed to close browser session")
	}

	p.logger.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"open":       open,
	}).Debug("Browser session released")
}

// Count returns the number of currently open or launching sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// HasCapacity reports whether a new session can be acquired right now.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open < p.capacity
}

// ForceStopAll unconditionally terminates every open session. Task
// statuses are untouched; reconciliation of stranded processing videos
// happens through the stale-processing sweep.
func (p *Pool) ForceStopAll() int {
	p.mu.Lock()
	sessions := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]Session)
	p.open -= len(sessions)
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.logger.WithError(err).WithField("session_id", s.ID()).
				Warn("Failed to force-stop browser session")
		}
	}

	p.logger.WithField("stopped", len(sessions)).Info("Force-stopped all browser sessions")
	return len(sessions)
}
