package repository

import "errors"

// ErrNotFound indicates an entity was not located. Rows owned by another
// organisation surface the same error so callers cannot probe for
// cross-tenant existence.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected a value (constraint or
// encoding violation).
var ErrInvalidArgument = errors.New("repository: invalid argument")
