package rate

import "errors"

var (
	// ErrRateLimited reports an exhausted attempt window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport-level Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
