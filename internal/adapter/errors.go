package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies adapter failures. The retry policy hangs off the kind:
// only ConnectionLost and Timeout are retried inside the adapter; AuthFailed
// and TypeMismatch fail the chunk immediately with no retry schedule. The
// remaining kinds, constraint violations included, go through the normal
// back-off budget: the delete pass clears in-range duplicates, so a
// constraint hit can clear on the next attempt.
type Kind string

const (
	KindConnectionLost      Kind = "connection_lost"
	KindAuthFailed          Kind = "auth_failed"
	KindNotFound            Kind = "not_found"
	KindTypeMismatch        Kind = "type_mismatch"
	KindConstraintViolation Kind = "constraint_violation"
	KindTimeout             Kind = "timeout"
	KindUnknown             Kind = "unknown"
)

// Error is a classified adapter failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the adapter may retry this failure internally.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectionLost || e.Kind == KindTimeout
}

// Terminal reports whether the chunk must not be retried automatically.
func (e *Error) Terminal() bool {
	return e.Kind == KindAuthFailed || e.Kind == KindTypeMismatch
}

// wrapErr classifies err into an *Error for the given operation.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// KindOf returns the classified kind of any error, Unknown when unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return classify(err)
}

// IsTerminal reports whether err must not be retried automatically.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindAuthFailed, KindTypeMismatch:
		return true
	}
	return false
}

func classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return KindConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionLost
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "28P01" || pgErr.Code == "28000":
			return KindAuthFailed
		case pgErr.Code == "42P01" || pgErr.Code == "3D000":
			return KindNotFound
		case strings.HasPrefix(pgErr.Code, "23"):
			return KindConstraintViolation
		case strings.HasPrefix(pgErr.Code, "42") || strings.HasPrefix(pgErr.Code, "22"):
			return KindTypeMismatch
		case pgErr.Code == "57014":
			return KindTimeout
		case strings.HasPrefix(pgErr.Code, "08"):
			return KindConnectionLost
		}
		return KindUnknown
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045:
			return KindAuthFailed
		case 1049, 1146:
			return KindNotFound
		case 1048, 1062, 1451, 1452, 1216, 1217:
			return KindConstraintViolation
		case 1264, 1265, 1366, 1406:
			return KindTypeMismatch
		case 1205, 1213:
			return KindTimeout
		case 2002, 2003, 2006, 2013:
			return KindConnectionLost
		}
		return KindUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"):
		return KindConnectionLost
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "unique"),
		strings.Contains(msg, "foreign key"):
		return KindConstraintViolation
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "does not exist"):
		return KindNotFound
	case strings.Contains(msg, "datatype mismatch"), strings.Contains(msg, "incompatible"):
		return KindTypeMismatch
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "authentication"):
		return KindAuthFailed
	}
	return KindUnknown
}
