package transport

import "errors"

// Transfer engine error types.
var (
	ErrRegistrationFailed     = errors.New("memory registration failed")
	ErrUnreachableDestination = errors.New("destination unreachable")
	ErrTimedOut               = errors.New("transfer timed out")
	ErrAborted                = errors.New("transfer aborted")
	ErrBatchNotFound          = errors.New("batch not found")
	ErrBatchSubmitted         = errors.New("batch already submitted")
	ErrInvalidHandle          = errors.New("invalid memory handle")
	ErrHandleInUse            = errors.New("memory handle in use by a batch")
	ErrOutOfRange             = errors.New("range outside registered region")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrEngineClosed           = errors.New("transfer engine closed")
)
