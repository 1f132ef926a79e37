package downloads

import "errors"

// ErrDuplicate is returned by Queue when a task for the same file ID is
// already in the registry.
var ErrDuplicate = errors.New("a download for this file is already queued")
