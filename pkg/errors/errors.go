// Package errors defines the error taxonomy shared by all services.
// Services wrap these sentinels with context via fmt.Errorf("...: %w", err);
// the API layer maps them to HTTP statuses with errors.Is.
package errors

import "errors"

var (
	// ErrUnauthorized is returned when a wallet or order exists but is not
	// owned by the requesting user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWalletNotFound is returned when a wallet does not exist or is not
	// visible to the requesting user.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds is returned when a balance mutation would take a
	// wallet negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidOrder is returned for schema violations at order placement:
	// missing price on Limit orders, missing stop price on Stop-Loss orders,
	// unknown order type or side, non-positive amounts.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidState is returned for lifecycle violations: cancelling or
	// settling an order that is already Filled or Cancelled.
	ErrInvalidState = errors.New("invalid order state")

	// ErrPriceUnavailable is returned when the price oracle has no quote for
	// a pair. Transient: callers on background paths may retry.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrProviderUnavailable is returned when an external provider call fails
	// or times out. Transient, distinct from business-rule rejections.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrAssetDeprecated is returned when the custody provider reports the
	// requested asset as deprecated. Definitive, not retryable.
	ErrAssetDeprecated = errors.New("asset deprecated")

	// ErrDuplicateWallet is returned when a wallet already exists for the
	// (user, currency) or (user, coin) pair.
	ErrDuplicateWallet = errors.New("wallet already exists")

	// ErrDuplicateAddress is returned when a deposit address is already
	// assigned to another wallet.
	ErrDuplicateAddress = errors.New("address already assigned")

	// ErrWebhookSignature is returned when a gateway webhook fails signature
	// verification. Rejected, never retried.
	ErrWebhookSignature = errors.New("invalid webhook signature")

	// ErrKYCRequired is returned when a withdrawal is attempted before KYC
	// completion.
	ErrKYCRequired = errors.New("kyc not completed")

	// ErrConflict is returned when an optimistic-concurrency update loses its
	// race. The ledger retries these internally; if it surfaces, the caller
	// may retry the whole operation.
	ErrConflict = errors.New("concurrent modification")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }
