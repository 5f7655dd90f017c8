package backend

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted is returned when no handle frees up within the acquire
// timeout.
var ErrPoolExhausted = newError(KindConnection, pgerrcode.TooManyConnections,
	errors.New("connection pool exhausted"))

// PoolConfig sizes the shared connection pool.
type PoolConfig struct {
	// Size is the number of handles kept open; Overflow more may be opened
	// under load and are closed on release.
	Size     int
	Overflow int
	// AcquireTimeout bounds the wait for a free handle.
	AcquireTimeout time.Duration
	// MaxLifetime retires a handle regardless of health; zero disables.
	MaxLifetime time.Duration
	// IdleTimeout retires a handle idle longer than this; zero disables.
	IdleTimeout time.Duration
}

// handle is one pooled driver connection.
type handle struct {
	conn     *sql.Conn
	created  time.Time
	lastUsed time.Time
}

// Pool shares driver connections between sessions. Handles are checked out
// for a statement or a whole transaction and returned after; sessions block
// on the condition variable when everything is busy.
type Pool struct {
	db     *sql.DB
	cfg    PoolConfig
	logger *logrus.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*handle
	open   int
	closed bool
}

func NewPool(db *sql.DB, cfg PoolConfig, logger *logrus.Entry) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	p := &Pool{db: db, cfg: cfg, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a healthy handle, opening one when under the cap and
// waiting otherwise.
func (p *Pool) Acquire(ctx context.Context) (*handle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	timer := time.AfterFunc(p.cfg.AcquireTimeout, func() {
		// Wake every waiter so the timed-out one can notice.
		p.cond.Broadcast()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, newError(KindConnection, pgerrcode.ConnectionFailure, errors.New("pool is closed"))
		}
		if h := p.takeIdleLocked(); h != nil {
			return h, nil
		}
		if p.open < p.cfg.Size+p.cfg.Overflow {
			p.open++
			p.mu.Unlock()
			conn, err := p.connect(ctx, deadline)
			p.mu.Lock()
			if err != nil {
				p.open--
				p.cond.Broadcast()
				return nil, Classify(err)
			}
			now := time.Now()
			return &handle{conn: conn, created: now, lastUsed: now}, nil
		}
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		if time.Now().After(deadline) {
			return nil, ErrPoolExhausted
		}
		p.cond.Wait()
	}
}

// connectBackoffStart and connectBackoffMax bound the retry schedule for
// replacement connections.
const (
	connectBackoffStart = 50 * time.Millisecond
	connectBackoffMax   = 2 * time.Second
)

// connect dials a new driver connection, retrying with exponential backoff
// until the acquire deadline. A dropped IRIS restart recovers here instead of
// surfacing on the first session to need a handle.
func (p *Pool) connect(ctx context.Context, deadline time.Time) (*sql.Conn, error) {
	backoff := connectBackoffStart
	for {
		conn, err := p.db.Conn(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || time.Until(deadline) < backoff {
			return nil, err
		}
		p.logger.WithError(err).WithField("backoff", backoff).Debug("connection attempt failed, retrying")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > connectBackoffMax {
			backoff = connectBackoffMax
		}
	}
}

// takeIdleLocked pops idle handles, discarding any past their lifetime.
func (p *Pool) takeIdleLocked() *handle {
	now := time.Now()
	for len(p.idle) > 0 {
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(h, now) {
			p.discardLocked(h)
			continue
		}
		h.lastUsed = now
		return h
	}
	return nil
}

func (p *Pool) expired(h *handle, now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && now.Sub(h.created) > p.cfg.MaxLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(h.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	return false
}

// Release returns a handle. destroy closes it instead, for handles whose
// connection state is suspect. Overflow handles are always closed.
func (p *Pool) Release(h *handle, destroy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if destroy || p.closed || p.open > p.cfg.Size {
		p.discardLocked(h)
		p.cond.Broadcast()
		return
	}
	h.lastUsed = time.Now()
	p.idle = append(p.idle, h)
	p.cond.Broadcast()
}

func (p *Pool) discardLocked(h *handle) {
	p.open--
	if err := h.conn.Close(); err != nil {
		p.logger.WithError(err).Debug("closing pooled connection")
	}
}

// Stats reports pool occupancy for metrics.
func (p *Pool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, h := range p.idle {
		p.discardLocked(h)
	}
	p.idle = nil
	p.cond.Broadcast()
}
