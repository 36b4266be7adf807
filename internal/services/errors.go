package services

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCapacityExceeded       = errors.New("lesson is full")
	ErrAlreadyExists          = errors.New("already exists")
	ErrUpstreamUnavailable    = errors.New("payment gateway unavailable")
	ErrUpstreamRejected       = errors.New("payment gateway rejected the request")
	ErrDataIntegrity          = errors.New("data integrity violation")
	ErrInvalidInput           = errors.New("invalid input")
	ErrBankAccountNotVerified = errors.New("bank account not verified")
)

// ErrInvalidState is the name the error taxonomy uses for illegal transitions.
var ErrInvalidState = ErrInvalidStateTransition

var (
	ErrAlreadyBooked     = fmt.Errorf("%w: lesson already booked by this client", ErrAlreadyExists)
	ErrLessonFull        = ErrCapacityExceeded
	ErrLessonNotBookable = fmt.Errorf("%w: lesson is not open for booking", ErrInvalidStateTransition)
	ErrNotCancellable    = fmt.Errorf("%w: booking cannot be cancelled in its current state", ErrInvalidStateTransition)
	ErrNoChargeReference = fmt.Errorf("%w: payment has no charge reference", ErrDataIntegrity)
	ErrOpenPayoutRequest = fmt.Errorf("%w: a payout request is already open", ErrAlreadyExists)
	ErrNothingToPayOut   = fmt.Errorf("%w: no eligible sales", ErrInvalidStateTransition)
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode
}

// notFound translates a missing row into ErrNotFound and passes other errors on.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
