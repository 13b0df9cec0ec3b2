package services

import (
	"errors"
	"fmt"

	"github.com/storefront/checkout-api/internal/repositories"
)

// Error classes. Every error returned by the services wraps exactly one of them so transports can map
// failures with errors.Is without knowing the individual causes.
var (
	ErrValidation       = errors.New("validation failed")
	ErrState            = errors.New("invalid state")
	ErrSignatureInvalid = errors.New("payment signature invalid")
	ErrNotFound         = errors.New("not found")
	ErrExternalService  = errors.New("external service failure")
	ErrConsistency      = errors.New("amount consistency check failed")
	ErrUnavailable      = errors.New("dependency unavailable")
)

var (
	ErrEmptyCart         = fmt.Errorf("%w: cart has no purchasable items", ErrValidation)
	ErrInvalidAddress    = fmt.Errorf("%w: address not found for user", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrValidation)

	ErrNoCheckoutSession = fmt.Errorf("%w: no active checkout session", ErrState)
	ErrNoPendingPayment  = fmt.Errorf("%w: no pending payment", ErrState)
	ErrOrderIDMismatch   = fmt.Errorf("%w: order id does not match pending payment", ErrState)
	ErrAlreadyProcessed  = fmt.Errorf("%w: request already processed", ErrState)
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrState)
)

// mapRepositoryError converts categorised repository failures into service error classes.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if repositories.IsInsufficientStock(err) {
		return fmt.Errorf("%w: %v", ErrInsufficientStock, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrState, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
