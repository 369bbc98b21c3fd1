// Package quota enforces the per-user daily send ceiling.
//
// The count for a (user, day) pair is only ever changed through a
// compare-and-swap against the value previously read, so concurrent
// senders for the same user can never push the count past the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"voicenote/internal/domain"
)

const (
	DefaultLimit       = 5
	defaultMaxAttempts = 8
)

var (
	// ErrConflict is returned by a Store when a conditional write loses a race.
	ErrConflict = errors.New("quota: conditional write conflict")
	// ErrStore marks failures to read or write the quota record. Consume never
	// grants a send when it returns an error wrapping ErrStore.
	ErrStore = errors.New("quota: store unavailable")
)

// Store is the record store contract the counter needs.
type Store interface {
	GetQuota(ctx context.Context, userID, date string) (domain.QuotaRecord, bool, error)
	// CreateQuota inserts rec and fails with ErrConflict if a record already exists.
	CreateQuota(ctx context.Context, rec domain.QuotaRecord) error
	// CompareAndSwapQuota sets the count to next only if it currently equals
	// expected, failing with ErrConflict otherwise.
	CompareAndSwapQuota(ctx context.Context, userID, date string, expected, next int) error
}

// Grant is the outcome of a Consume call.
type Grant struct {
	Granted   bool
	Remaining int
}

type Counter struct {
	store       Store
	limit       int
	maxAttempts int
	logger      *slog.Logger
}

type Option func(*Counter)

func WithMaxAttempts(n int) Option {
	return func(c *Counter) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Counter) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCounter(store Store, limit int, opts ...Option) (*Counter, error) {
	if store == nil {
		return nil, errors.New("quota: store must not be nil")
	}
	if limit < 1 {
		return nil, fmt.Errorf("quota: limit must be at least 1, got %d", limit)
	}
	c := &Counter{
		store:       store,
		limit:       limit,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Limit returns the configured daily ceiling.
func (c *Counter) Limit() int {
	return c.limit
}

// Remaining returns how many sends the user has left on date.
func (c *Counter) Remaining(ctx context.Context, userID, date string) (int, error) {
	if err := validateKey(userID, date); err != nil {
		return 0, err
	}
	rec, found, err := c.store.GetQuota(ctx, userID, date)
	if err != nil {
		return 0, fmt.Errorf("%w: remaining: %w", ErrStore, err)
	}
	if !found {
		return c.limit, nil
	}
	return c.remainingFor(rec.Count), nil
}

// Consume reserves one send for the user on date. The first send of the day
// always succeeds. Any store failure denies the send.
func (c *Counter) Consume(ctx context.Context, userID, date string) (Grant, error) {
	if err := validateKey(userID, date); err != nil {
		return Grant{}, err
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		rec, found, err := c.store.GetQuota(ctx, userID, date)
		if err != nil {
			return Grant{}, fmt.Errorf("%w: consume read: %w", ErrStore, err)
		}

		if !found {
			err = c.store.CreateQuota(ctx, domain.QuotaRecord{UserID: userID, Date: date, Count: 1})
			if err == nil {
				return Grant{Granted: true, Remaining: c.remainingFor(1)}, nil
			}
		} else {
			if rec.Count >= c.limit {
				return Grant{Granted: false, Remaining: 0}, nil
			}
			err = c.store.CompareAndSwapQuota(ctx, userID, date, rec.Count, rec.Count+1)
			if err == nil {
				return Grant{Granted: true, Remaining: c.remainingFor(rec.Count + 1)}, nil
			}
		}

		if !errors.Is(err, ErrConflict) {
			return Grant{}, fmt.Errorf("%w: consume write: %w", ErrStore, err)
		}
		c.logger.Debug("quota write lost race, retrying", "user", userID, "date", date, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return Grant{}, fmt.Errorf("%w: consume: %w", ErrStore, err)
		}
	}

	return Grant{}, fmt.Errorf("%w: consume: gave up after %d conflicting attempts", ErrStore, c.maxAttempts)
}

func (c *Counter) remainingFor(count int) int {
	if count >= c.limit {
		return 0
	}
	return c.limit - count
}

func validateKey(userID, date string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("quota: user id is required")
	}
	if strings.TrimSpace(date) == "" {
		return errors.New("quota: date is required")
	}
	return nil
}
