package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write violates a unique constraint,
	// e.g. a task id already used in the trace or a reused trace id.
	ErrConflict = errors.New("storage: conflict")

	// ErrCancelled is returned when a topology expansion targets a trace or
	// an ancestor whose control signal is CANCELLED.
	ErrCancelled = errors.New("storage: cancelled")

	// ErrTransient marks connection, timeout, and contention failures.
	// The whole operation is safe to retry.
	ErrTransient = errors.New("storage: transient failure")
)

const codeUniqueViolation = "23505"

// wrapErr annotates err with the operation and, where recognizable, the
// storage error class it belongs to.
func wrapErr(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("storage: %s: %w: %w", op, ErrConflict, err)
	case isTransient(err):
		return fmt.Errorf("storage: %s: %w: %w", op, ErrTransient, err)
	default:
		return fmt.Errorf("storage: %s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func isTransient(err error) bool {
	if isRetriable(err) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01 admin_shutdown;
		// 53300 too_many_connections.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	return false
}
