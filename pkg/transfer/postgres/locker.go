package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
)

// AdvisoryLocker serializes work on an operation key across processes with a
// session-level pg_advisory_lock. Each held lock pins one pooled connection.
type AdvisoryLocker struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewAdvisoryLocker creates a locker on an open database.
func NewAdvisoryLocker(db *sql.DB, logger *logging.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &AdvisoryLocker{db: db, logger: logger.Named("pg-locker")}
}

// Lock blocks until the lock for key is held or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock %s: acquire conn: %w", key, err)
	}

	id := lockID(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			l.logger.Warn("advisory unlock failed, discarding connection", logging.OperationKey(key), zap.Error(err))
			// A discarded session drops its advisory locks server-side.
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
