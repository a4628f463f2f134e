package database

import "errors"

// The closed set of consensus rejection reasons. The peer and mempool layers
// wrap these, they never invent their own.
var (
	ErrStructuralInvalid = errors.New("structural invariant violated")
	ErrBadPoW            = errors.New("header hash does not meet target")
	ErrBadTimestamp      = errors.New("timestamp out of bounds")
	ErrBadTarget         = errors.New("target does not match expected target")
	ErrBadSignature      = errors.New("input signature invalid")
	ErrUnknownParent     = errors.New("parent block unknown")
	ErrUnknownInput      = errors.New("input does not resolve to an unspent output")
	ErrDoubleSpend       = errors.New("input already spent")
	ErrInsufficientValue = errors.New("inputs worth less than outputs")
	ErrCoinbaseOverflow  = errors.New("coinbase exceeds reward plus fees")
	ErrImmatureCoinbase  = errors.New("coinbase output spent before maturity")
	ErrAlreadyKnown      = errors.New("already known")
)
