package pgstore

import (
	"context"
	"errors"
	"fmt"

	"sessionstore/pkg/db"
	"sessionstore/pkg/session"
)

var taxonomy = []error{
	session.ErrNotFound,
	session.ErrConnectionUnavailable,
	session.ErrConstraintViolation,
	session.ErrEncoding,
}

// classify maps a storage failure onto the session error taxonomy so callers
// never inspect driver errors.
func classify(err error) error {
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return kind
		}
	}
	switch {
	case db.IsTransient(err), errors.Is(err, context.Canceled):
		return session.ErrConnectionUnavailable
	default:
		return session.ErrConstraintViolation
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := classify(err)
	if errors.Is(err, kind) {
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
	return fmt.Errorf("pgstore: %s: %w: %w", op, kind, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrConnectionUnavailable):
		return "unavailable"
	case errors.Is(err, session.ErrEncoding):
		return "encoding"
	default:
		return "error"
	}
}
