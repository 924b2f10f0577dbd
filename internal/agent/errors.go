package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrDataIncomplete means gating ran out of attempts before every order
	// had a name and a contact channel.
	ErrDataIncomplete = errors.New("customer data incomplete")
	// ErrSinkRejected means the print sink answered but reported that
	// nothing was printed.
	ErrSinkRejected = errors.New("print sink reported not printed")
)

// SinkError is a failed call to the local print sink.
type SinkError struct {
	Status int
	Body   string
	Err    error
}

func (e *SinkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("print sink: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("print sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// RelayError is a failed call to the relay.
type RelayError struct {
	Op     string
	Status int
	Err    error
}

func (e *RelayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("relay %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
