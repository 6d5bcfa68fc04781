// Package apperr defines the error taxonomy shared by the ledger engine.
//
// Every rejection returned by the engine wraps exactly one of the sentinel
// kinds below, so callers can branch with errors.Is regardless of how much
// context was added along the way.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation is bad input: missing or non-positive quantity, unknown
	// side, malformed symbol.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a portfolio, position, transaction or
	// challenge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller does not own the portfolio.
	ErrUnauthorized = errors.New("not authorized")

	// ErrInsufficientQuantity is the business rejection for a sell that
	// exceeds holdings. Nothing is mutated.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrPriceUnavailable is returned when the market-data collaborator has
	// no price for a symbol or did not answer in time. Retryable.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrTransient covers collaborator failures (storage, timeouts). Retryable.
	ErrTransient = errors.New("transient failure")

	// ErrConflict is an optimistic-concurrency version mismatch on commit.
	ErrConflict = errors.New("version conflict")

	// ErrDuplicateRequest is returned when an idempotency key is replayed with
	// different trade parameters.
	ErrDuplicateRequest = errors.New("idempotency key reused with different request")

	// ErrConsistency means a recomputed summary disagrees with the positions
	// it was derived from. Unreachable in a correct build; fatal to the
	// operation when seen.
	ErrConsistency = errors.New("consistency violation")
)

// Retryable reports whether the caller may safely retry the request.
func Retryable(err error) bool {
	return errors.Is(err, ErrPriceUnavailable) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrConflict)
}

// HTTPStatus maps an engine error to the status code the request layer
// should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInsufficientQuantity),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, ErrPriceUnavailable), errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
