package engine

import "errors"

// Typed instruction errors. Every one of these aborts the whole transition;
// no partial write or partial fund movement ever reaches the ledger. The
// retryable storage-level outcome is ledger.ErrConflict, which is not part
// of this taxonomy.
var (
	// Validation: malformed input, rejected before any mutation.
	ErrInvalidPrice      = errors.New("price must be greater than zero")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrInvalidNameLength = errors.New("market name too long")
	ErrInvalidSide       = errors.New("invalid order side for this operation")

	// Authorization: signer does not match the required owner or authority.
	ErrUnauthorized = errors.New("signer does not own this order")

	// State: instruction preconditions on order status unmet.
	ErrOrderNotActive   = errors.New("order is not open or partially filled")
	ErrOrderStillActive = errors.New("order must be filled or cancelled before close")

	// Consistency: cross-referenced records violate a protocol invariant.
	ErrMarketMismatch = errors.New("orders belong to different markets")
	ErrPriceMismatch  = errors.New("bid price is below ask price")

	// Lookup and arithmetic.
	ErrMarketExists        = errors.New("market already exists")
	ErrMarketNotFound      = errors.New("market not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("arithmetic overflow")
)
