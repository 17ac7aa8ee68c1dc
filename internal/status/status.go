// Package status holds the result codes returned to the command layer and
// the error classes that map onto them.
package status

import (
	"errors"
	"fmt"
)

// Code is a user-visible result code.
type Code uint8

const (
	Success Code = iota
	NoRecordFound
	MoreData
	BufferLimitExceeded
	ProcessError
	ResourceLimit
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NoRecordFound:
		return "no_record_found"
	case MoreData:
		return "more_data"
	case BufferLimitExceeded:
		return "buffer_limit_exceeded"
	case ProcessError:
		return "process_error"
	case ResourceLimit:
		return "resource_limit"
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Error classes. Packages wrap these in their own sentinels so callers can
// map any failure to a Code with Of.
var (
	ErrNoRecord      = errors.New("no record found")
	ErrBufferLimit   = errors.New("buffer limit exceeded")
	ErrResourceLimit = errors.New("resource limit")
)

// Of maps an error to its result code.
func Of(err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNoRecord):
		return NoRecordFound
	case errors.Is(err, ErrBufferLimit):
		return BufferLimitExceeded
	case errors.Is(err, ErrResourceLimit):
		return ResourceLimit
	}
	return ProcessError
}
