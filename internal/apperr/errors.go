// Package apperr holds the error taxonomy shared by every layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrCorruptFormat   = errors.New("corrupt format")
	ErrWriteConflict   = errors.New("write conflict")
	ErrReadOnly        = errors.New("store is read-only")
	ErrLocked          = errors.New("store is locked by another process")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSessionClosed   = errors.New("session closed")
)

// CorruptFormatError describes an undecodable note or edit file.
type CorruptFormatError struct {
	Path string // empty when decoding from memory
	Line int    // 1-based, 0 when unknown
	Err  error
}

func (e *CorruptFormatError) Error() string {
	loc := e.Path
	if loc == "" {
		loc = "input"
	}
	if e.Line > 0 {
		return fmt.Sprintf("corrupt format: %s:%d: %v", loc, e.Line, e.Err)
	}
	return fmt.Sprintf("corrupt format: %s: %v", loc, e.Err)
}

func (e *CorruptFormatError) Unwrap() []error {
	return []error{ErrCorruptFormat, e.Err}
}

// WithPath returns a copy of err carrying path when err is a CorruptFormatError.
func WithPath(err error, path string) error {
	var cf *CorruptFormatError
	if errors.As(err, &cf) {
		cp := *cf
		cp.Path = path
		return &cp
	}
	return err
}
