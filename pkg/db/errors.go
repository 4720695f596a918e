package db

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes inspected by the store.
const (
	codeUniqueViolation     = "23505"
	codeTooManyConnections  = "53300"
	codeAdminShutdown       = "57P01"
	codeCrashShutdown       = "57P02"
	codeCannotConnectNow    = "57P03"
	codeQueryCanceled       = "57014"
	codeDuplicateSchema     = "42P06"
	classConnectionFailure  = "08"
	classIntegrityViolation = "23"
)

// IsUniqueViolation reports whether err is a primary key or unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// isDuplicateSchema reports whether err comes from a concurrent CREATE SCHEMA
// that lost the race on pg_namespace.
func isDuplicateSchema(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == codeDuplicateSchema || pgErr.Code == codeUniqueViolation)
}

// IsIntegrityViolation reports whether err belongs to SQLSTATE class 23.
func IsIntegrityViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, classIntegrityViolation)
}

// IsTransient reports whether err is a connection level failure that a caller
// may retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow, codeQueryCanceled:
			return true
		}
		return strings.HasPrefix(pgErr.Code, classConnectionFailure)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
