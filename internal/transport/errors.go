package transport

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotOpen  = errors.New("channel not open")
	ErrChannelClosed   = errors.New("channel closed")
	ErrBufferTimeout   = errors.New("buffer drain timeout")
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidFile     = errors.New("invalid file")
	ErrDigestMismatch  = errors.New("file digest mismatch")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrEmptyMessage    = errors.New("empty message")
)

// FileError ties a failure to the file it concerns.
type FileError struct {
	Op   string
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func NewFileError(op, file string, err error) *FileError {
	return &FileError{Op: op, File: file, Err: err}
}
