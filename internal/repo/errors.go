package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConflict is returned when a conditional write loses its precondition:
	// the order is no longer PENDING or the token is no longer active.
	ErrConflict       = errors.New("conditional update precondition not met")
	// ErrDuplicate is returned when a primary key is already taken.
	ErrDuplicate      = errors.New("record already exists")
	// ErrAlreadyGranted is returned when the order item already holds a token.
	ErrAlreadyGranted = errors.New("order item already granted")
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// violatedConstraint names the unique constraint or index behind err, if any.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
