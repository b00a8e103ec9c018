package store

import "errors"

var (
	// ErrNotFound is returned when no row matches a key or predicate.
	ErrNotFound = errors.New("record not found")
	// ErrPersistence wraps driver failures so callers can classify them.
	ErrPersistence = errors.New("persistence error")
	// ErrUnknownTable is returned for table names outside the schema.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnboundedDelete guards against a DeleteWhere with an empty predicate.
	ErrUnboundedDelete = errors.New("delete requires a predicate")
)
