package server

import (
	"WardProtocol/internal/claim"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/policy"
	"WardProtocol/internal/pool"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/settlement"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
)

var statusTable = []struct {
	code int
	errs []error
}{
	{http.StatusNotFound, []error{
		persistence.ErrNotFound, ledger.ErrNotFound, pool.ErrUnknownPool,
	}},
	{http.StatusBadRequest, []error{
		pricing.ErrInvalidRequest, policy.ErrInvalidRequest, pool.ErrInvalidAmount,
	}},
	{http.StatusForbidden, []error{
		settlement.ErrUnknownSigner,
	}},
	{http.StatusConflict, []error{
		persistence.ErrDuplicate, persistence.ErrConflict, pool.ErrPoolExists,
		policy.ErrDuplicateCertificate, policy.ErrClaimInFlight, policy.ErrNotActive,
		settlement.ErrDisputed, settlement.ErrNotDisputed, settlement.ErrInvalidState,
		state.ErrInvalidTransition,
	}},
	{http.StatusUnprocessableEntity, []error{
		policy.ErrStaleQuote, policy.ErrPremiumUnconfirmed, pricing.ErrVaultMismatch,
		pool.ErrInsufficientCapital, pool.ErrRatioBreach,
		claim.ErrManualReview, claim.ErrDefaultNotObserved,
	}},
	{http.StatusServiceUnavailable, []error{
		gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests,
	}},
	{http.StatusGatewayTimeout, []error{
		context.DeadlineExceeded,
	}},
}

// HTTPStatus maps a service error to its response code; anything
// unrecognised is a 500.
func HTTPStatus(err error) int {
	for _, row := range statusTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return http.StatusInternalServerError
}
