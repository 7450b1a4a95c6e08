package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed classifies manifest documents that cannot be parsed or
	// violate the manifest invariants
	ErrMalformed = errors.New("malformed manifest")

	// ErrIO classifies local filesystem failures
	ErrIO = errors.New("local file operation failed")

	// ErrContentMismatch reports a download whose size or digest differs from
	// the manifest
	ErrContentMismatch = errors.New("downloaded content does not match manifest")
)

// ParseError describes why a manifest document was rejected
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports every *ParseError as ErrMalformed.
func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

// IOError describes a failed local filesystem operation
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports every *IOError as ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }
