package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrDuplicatePosition = errors.New("duplicate position id")
	ErrInvalidPosition   = errors.New("invalid position")
	ErrBelowMinQuantity  = errors.New("quantity below exchange minimum")
	ErrCapitalUnknown    = errors.New("total capital unavailable")
	ErrMissingCredential = errors.New("missing exchange credentials")
)

// ErrorKind is the classification the engine recovers on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindInsufficientBalance
	KindMinNotional
	KindUnsupportedOrderType
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindMinNotional:
		return "min_notional"
	case KindUnsupportedOrderType:
		return "unsupported_order_type"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ExchangeError is returned by Exchange implementations. Kind is assigned by
// the adapter so callers never inspect Message.
type ExchangeError struct {
	Code    int
	Message string
	Kind    ErrorKind
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange error %d (%s): %s: %v", e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange error %d (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// ErrorKindOf extracts the kind from any error chain carrying an ExchangeError.
func ErrorKindOf(err error) ErrorKind {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind
	}
	return KindUnknown
}

func IsKind(err error, kinds ...ErrorKind) bool {
	k := ErrorKindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
