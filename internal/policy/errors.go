package policy

import "errors"

var (
	ErrRateLimited   = errors.New("rate limited by policy service")
	ErrAuthFailed    = errors.New("policy service rejected credentials")
	ErrUnknownMode   = errors.New("unknown policy mode")
	ErrEmptyEndpoint = errors.New("policy service URL is empty")
)
