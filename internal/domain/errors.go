package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrShuttingDown      = errors.New("queue is shutting down")
	ErrDuplicateURL      = errors.New("url already queued for this guild")
	ErrNestedTransaction = errors.New("nested transactions are not supported")
)

// ConfigError indicates invalid setup or configuration. Fatal to the
// operation that hit it, never to the process.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DatabaseError wraps a persistence failure. The queue degrades to
// "not recorded" rather than failing the archival.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// ProcessingError is an item-level failure that drives the retry loop.
type ProcessingError struct {
	URL string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.URL, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
