package domain

import "errors"

// ErrNotFound is returned when a requested entity does not exist. It
// is distinct from validation failures, which are reported as
// ValidationErrors values.
var ErrNotFound = errors.New("not found")
