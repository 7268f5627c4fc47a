package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestClassifyStandardErrors(t *testing.T) {
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindNotFound, KindOf(sql.ErrNoRows))
	require.Equal(t, KindConnectionLost, KindOf(sql.ErrConnDone))
	require.Equal(t, KindConnectionLost, KindOf(mysql.ErrInvalidConn))
	require.Equal(t, KindUnknown, KindOf(errors.New("something odd")))
}

func TestClassifyPostgresCodes(t *testing.T) {
	cases := []struct {
		code string
		want Kind
	}{
		{"28P01", KindAuthFailed},
		{"42P01", KindNotFound},
		{"23505", KindConstraintViolation},
		{"22P02", KindTypeMismatch},
		{"57014", KindTimeout},
		{"08006", KindConnectionLost},
	}
	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code}
		require.Equal(t, tc.want, KindOf(err), "pg code %s", tc.code)
	}
}

func TestClassifyMySQLNumbers(t *testing.T) {
	cases := []struct {
		number uint16
		want   Kind
	}{
		{1045, KindAuthFailed},
		{1146, KindNotFound},
		{1062, KindConstraintViolation},
		{1366, KindTypeMismatch},
		{1205, KindTimeout},
		{2006, KindConnectionLost},
	}
	for _, tc := range cases {
		err := &mysql.MySQLError{Number: tc.number}
		require.Equal(t, tc.want, KindOf(err), "mysql error %d", tc.number)
	}
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"dial tcp: connection refused", KindConnectionLost},
		{"UNIQUE constraint failed: orders.id", KindConstraintViolation},
		{"no such table: ghosts", KindNotFound},
		{"datatype mismatch", KindTypeMismatch},
		{"access denied for user", KindAuthFailed},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, KindOf(errors.New(tc.msg)), "message %q", tc.msg)
	}
}

func TestWrapErrPreservesClassification(t *testing.T) {
	inner := &Error{Kind: KindConstraintViolation, Op: "bulk_insert", Err: errors.New("dup")}
	wrapped := wrapErr("outer", fmt.Errorf("context: %w", inner))
	require.Equal(t, KindConstraintViolation, KindOf(wrapped))

	// Double wrapping keeps the original error, not a re-classified shell.
	var ae *Error
	require.ErrorAs(t, wrapped, &ae)
	require.Equal(t, "bulk_insert", ae.Op)

	require.Nil(t, wrapErr("op", nil))
}

func TestRetryableAndTerminal(t *testing.T) {
	retryable := &Error{Kind: KindConnectionLost}
	require.True(t, retryable.Retryable())
	require.False(t, retryable.Terminal())

	for _, kind := range []Kind{KindAuthFailed, KindTypeMismatch} {
		terminal := &Error{Kind: kind}
		require.False(t, terminal.Retryable(), "kind %s", kind)
		require.True(t, terminal.Terminal(), "kind %s", kind)
		require.True(t, IsTerminal(terminal), "kind %s", kind)
	}

	// Constraint violations stay on the back-off schedule: the delete pass
	// clears in-range duplicates before the next attempt.
	constraint := &Error{Kind: KindConstraintViolation}
	require.False(t, constraint.Retryable())
	require.False(t, constraint.Terminal())
	require.False(t, IsTerminal(constraint))
	require.False(t, IsTerminal(&Error{Kind: KindTimeout}))
}
