package cron

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cartloom/cartloom/pkg/log"
)

// LeaderElector gates the scheduler so exactly one instance ticks
// cluster-wide
type LeaderElector interface {
	// Acquire attempts to take or confirm leadership. It must fail
	// closed: any doubt about holding the lock reports false.
	Acquire(ctx context.Context) (bool, error)

	// Release gives up leadership
	Release(ctx context.Context) error
}

// AdvisoryLock elects a leader with a PostgreSQL session advisory lock.
// The lock lives on a dedicated connection; losing that connection
// loses leadership.
type AdvisoryLock struct {
	db   *sqlx.DB
	key  int64
	conn *sqlx.Conn
	held bool
}

// NewAdvisoryLock creates an elector over the master database
func NewAdvisoryLock(db *sqlx.DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.held {
		// Confirm the session is still alive; a dropped connection
		// already released the lock server-side
		if err := l.conn.PingContext(ctx); err != nil {
			logger := log.WithComponent("cron")
			logger.Warn().Err(err).Msg("leader connection lost")
			l.reset()
			return false, nil
		}
		return true, nil
	}

	conn, err := l.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open leader connection: %w", err)
	}

	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, l.key); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	l.held = true
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	var released bool
	err := l.conn.GetContext(ctx, &released, `SELECT pg_advisory_unlock($1)`, l.key)
	l.reset()
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

func (l *AdvisoryLock) reset() {
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = nil
	l.held = false
}
