package utils

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// TxMaxAttempts bounds the retry budget for contended transactions.
const TxMaxAttempts = 3

// IsTransientConflict reports whether err is a MySQL conflict worth retrying:
// 1213 deadlock, 1205 lock wait timeout.
func IsTransientConflict(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// WithRetry runs fn up to attempts times, retrying only transient conflicts.
// After the budget is exhausted the request fails closed with RetryableError;
// the caller sees either the full effect or none.
func WithRetry(op string, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = TxMaxAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsTransientConflict(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return &RetryableError{Op: op, Err: err}
}

// RunInTxWithRetry wraps fn in a DB transaction with the bounded retry
// policy. A failed attempt rolls back completely before the next one, so
// there is no user-visible partial effect between attempts.
func RunInTxWithRetry(ctx context.Context, db *gorm.DB, op string, fn func(tx *gorm.DB) error) error {
	return WithRetry(op, TxMaxAttempts, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}
