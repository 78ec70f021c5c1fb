package storage

import "errors"

// ErrNotFound is returned by stores when the requested record does not exist.
// Callers that treat absence as a normal outcome match on it with errors.Is.
var ErrNotFound = errors.New("record not found")
