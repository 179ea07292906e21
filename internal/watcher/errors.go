package watcher

import "errors"

var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrInvalidPath     = errors.New("invalid path")
	ErrContentTooLarge = errors.New("broadcast file is too large")
)
