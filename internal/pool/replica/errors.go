package replica

import "errors"

// Lookup errors shared by the directory and the metadata stores.
var (
	ErrAlreadyExists = errors.New("replica already exists")
	ErrNotFound      = errors.New("replica not found")
)
