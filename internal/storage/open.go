package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"pipesched/internal/retry"
	logx "pipesched/pkg/logx"
)

// Store is the SQLite-backed job/program/execution store.
type Store struct {
	db     *sql.DB
	log    logx.Logger
	policy retry.Policy
	now    func() time.Time
	loc    *time.Location
}

type Option func(*Store)

// WithClock overrides the save-time clock used for created/updated stamps and
// next-run recomputation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone cron expressions are evaluated in. Stored
// timestamps are always UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithRetryPolicy replaces the retry policy. Classify is always forced to the
// SQLite busy/locked classifier.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithRetryObserver installs a hook called before every retry.
func WithRetryObserver(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(s *Store) { s.policy.OnRetry = fn }
}

// New wraps an already-open database. The schema is not touched and no
// reconnect hook is installed.
func New(db *sql.DB, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.policy.Classify = isContention
	return s
}

// Open opens (and migrates) the SQLite database at cfg.Path.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	db, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}
	base := []Option{WithRetryPolicy(retry.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.RetryBase})}
	s := New(db, log, append(base, opts...)...)
	s.policy.Reconnect = s.reconnect

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "storage: migrate")
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) logRetry(op string) retry.Policy {
	p := s.policy
	prev := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.log.Warn("storage busy; retrying",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if prev != nil {
			prev(attempt, delay, err)
		}
	}
	return p
}

// run executes fn under the retry policy and tags failures with op.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Run(ctx, s.logRetry(op), func(ctx context.Context) error {
		err := fn(ctx)
		if isContention(err) {
			return retry.Contention(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "storage: %s", op)
	}
	return nil
}

// tx runs fn inside a transaction under the retry policy; the whole
// transaction is retried on contention.
func (s *Store) tx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.run(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
