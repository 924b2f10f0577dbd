package overrides

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUnknownStore  = errors.New("unknown store")
)

// FetchError is a failed live lookup for one order. It never aborts a
// batch; callers treat the order as having no record.
type FetchError struct {
	Order string
	Store string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("fetch order %s: %v", e.Order, e.Err)
	}
	return fmt.Sprintf("fetch order %s from %s: %v", e.Order, e.Store, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
