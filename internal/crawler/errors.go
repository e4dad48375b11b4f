package crawler

import "errors"

// ErrNotRunning is returned by operations that require a started crawler.
var ErrNotRunning = errors.New("crawler is not running")
