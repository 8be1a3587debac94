package master

import "errors"

// Master error types.
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyAlreadyExists  = errors.New("key already exists")
	ErrOutOfSpace        = errors.New("out of space")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidWriteState = errors.New("invalid write state")
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrSegmentExists     = errors.New("segment already mounted")
	ErrNodeNotFound      = errors.New("node not found")
	ErrClosed            = errors.New("master service closed")
)

// resultLabel maps an operation outcome to a metrics label value.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrKeyAlreadyExists):
		return "key_already_exists"
	case errors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidWriteState):
		return "invalid_write_state"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
