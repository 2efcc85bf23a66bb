package broadcast

import "errors"

var (
	// ErrUnauthorized covers every refusal: policy said no, the oracle
	// failed, or a token did not verify. Callers never learn which.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformedRequest means a required field is missing or invalid.
	ErrMalformedRequest = errors.New("malformed request")
)
