package core

import "errors"

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUnknownPC      = errors.New("unknown pc_id")
	ErrUnknownJob     = errors.New("job not in flight")
	ErrInvalidRequest = errors.New("invalid request")
)
