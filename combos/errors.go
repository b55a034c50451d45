package combos

import "errors"

// ErrInvalidArguments is returned when a request fails validation. It is
// the only error that aborts a request before any work begins.
var ErrInvalidArguments = errors.New("combos: invalid arguments")

// ErrNotFound is returned when a tracked subject does not exist.
var ErrNotFound = errors.New("combos: subject not found")

// ErrIncomplete is returned by a refresh whose batch was degraded or
// cancelled; the subject stays due.
var ErrIncomplete = errors.New("combos: refresh incomplete")
