package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/pkg/proto"
)

// RPC error types. Master errors travel as their own sentinels.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("master unavailable")
	ErrInternal     = errors.New("internal master error")
)

// errorCodes maps sentinels to wire codes and HTTP statuses. A code maps
// back to the first sentinel listed for it.
var errorCodes = []struct {
	err    error
	code   proto.ErrorCode
	status int
}{
	{master.ErrKeyNotFound, proto.CodeKeyNotFound, http.StatusNotFound},
	{master.ErrKeyAlreadyExists, proto.CodeKeyAlreadyExists, http.StatusConflict},
	{master.ErrOutOfSpace, proto.CodeOutOfSpace, http.StatusInsufficientStorage},
	{master.ErrInvalidArgument, proto.CodeInvalidArgument, http.StatusBadRequest},
	{master.ErrInvalidWriteState, proto.CodeInvalidWriteState, http.StatusConflict},
	{master.ErrSegmentNotFound, proto.CodeSegmentNotFound, http.StatusNotFound},
	{master.ErrSegmentExists, proto.CodeSegmentExists, http.StatusConflict},
	{master.ErrNodeNotFound, proto.CodeNodeNotFound, http.StatusNotFound},
	{ErrUnauthorized, proto.CodeUnauthorized, http.StatusUnauthorized},
	{ErrUnavailable, proto.CodeUnavailable, http.StatusServiceUnavailable},
	{master.ErrClosed, proto.CodeUnavailable, http.StatusServiceUnavailable},
}

// errorCode returns the wire code and HTTP status of err.
func errorCode(err error) (proto.ErrorCode, int) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code, e.status
		}
	}
	return proto.CodeInternal, http.StatusInternalServerError
}

// codeError rebuilds an error from its wire form so callers can match it
// with errors.Is.
func codeError(code proto.ErrorCode, message string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return fmt.Errorf("%w: %s", e.err, message)
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrInternal, code, message)
}
