package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by single-row lookups that match nothing.
// Multi-row reads return an empty slice instead.
var ErrNotFound = errors.New("not found")

// ErrKind classifies store failures at the accessor boundary.
type ErrKind string

const (
	KindNetwork    ErrKind = "network"
	KindPermission ErrKind = "permission"
	KindSchema     ErrKind = "schema"
	KindNotFound   ErrKind = "not_found"
	KindConflict   ErrKind = "conflict"
)

// StoreError is the only error shape that leaves this package.
type StoreError struct {
	Op        string
	Table     string
	Kind      ErrKind
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %s: %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a StoreError that may be retried.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsPermission reports whether err is a permission/auth rejection.
func IsPermission(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindPermission
}

func wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Table: table, Kind: kindOf(err), Retryable: retryable(err), Err: err}
}

func kindOf(err error) ErrKind {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM, sqlite3.SQLITE_CANTOPEN:
			return KindPermission
		case sqlite3.SQLITE_CONSTRAINT:
			return KindConflict
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return KindNetwork
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "has no column") {
		return KindSchema
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return KindNetwork
	}
	if errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindSchema
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return kindOf(err) == KindNetwork
}

// RetryPolicy bounds retries of retryable store operations.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first; defaults to 3
	BaseDelay   time.Duration // doubled after each failure; defaults to 100ms
	MaxDelay    time.Duration // defaults to 2s
}

// DefaultRetryPolicy is used when callers pass a zero RetryPolicy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Permission errors are never retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
