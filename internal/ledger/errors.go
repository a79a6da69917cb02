package ledger

import "errors"

// ErrInvalidQuantity is returned when a trade quantity is zero or negative.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// ErrInvalidPrice is returned when a trade price is negative.
var ErrInvalidPrice = errors.New("price must not be negative")
