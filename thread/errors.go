package thread

import "errors"

// ErrNotFound is returned when the anchor post isn't in the index.
var ErrNotFound = errors.New("thread: anchor post not found")
