package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicate indicates a uniqueness violation, e.g. a redelivered webhook.
var ErrDuplicate = errors.New("repository: duplicate")

// ErrInvalidArgument indicates input the database rejected.
var ErrInvalidArgument = errors.New("repository: invalid argument")
