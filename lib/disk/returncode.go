package disk

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Return codes
// --------------------------------------------------------------------------

// ReturnCode is the outcome of a flush or of housekeeping I/O.
type ReturnCode uint8

const (
	Success     ReturnCode = iota // Work was done
	DidNothing                    // There was no work to do
	DataFull                      // A shard ran out of data space
	SearchFull                    // A shard ran out of index slots
	IOError                       // The storage engine failed, see the returned error
	SplitFailed                   // A shard could not be split any further
	Missing                       // The shard no longer exists
)

func (rc ReturnCode) String() string {
	switch rc {
	case Success:
		return "SUCCESS"
	case DidNothing:
		return "DIDNOTHING"
	case DataFull:
		return "DATAFULL"
	case SearchFull:
		return "SEARCHFULL"
	case IOError:
		return "IOERROR"
	case SplitFailed:
		return "SPLITFAILED"
	case Missing:
		return "MISSING"
	default:
		return fmt.Sprintf("Unknown(%d)", rc)
	}
}

// Full reports whether the code asks for mandatory I/O.
func (rc ReturnCode) Full() bool {
	return rc == DataFull || rc == SearchFull
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrNotFound    = errors.New("disk: not found")
	ErrWrongArity  = errors.New("disk: wrong number of value columns")
	ErrLogFull     = errors.New("disk: log full")
	ErrTooLarge    = errors.New("disk: object larger than a shard")
	ErrWrongRegion = errors.New("disk: point outside of the region")
	ErrClosed      = errors.New("disk: closed")
	ErrCorrupt     = errors.New("disk: corrupt data")
)

// Error wraps a return code and an error message.
type Error struct {
	Code ReturnCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ioError builds an *Error with code IOError
func ioError(err error, format string, args ...interface{}) error {
	return &Error{Code: IOError, Msg: fmt.Sprintf(format, args...), Err: err}
}
