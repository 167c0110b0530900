package ratelimit

import "errors"

var errCancelled = errors.New("ratelimit: wait cancelled")
