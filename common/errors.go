package common

import "errors"

// ErrStopped is returned by long-running operations when the surrounding
// context is cancelled.
var ErrStopped = errors.New("stopped")
