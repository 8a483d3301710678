package wire

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"google.golang.org/grpc/codes"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
)

// CodeOf maps an error returned by chat.Service to a status code.
func CodeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, chat.ErrAuth):
		return codes.Unauthenticated
	case errors.Is(err, chat.ErrPermission):
		return codes.PermissionDenied
	case errors.Is(err, chat.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, chat.ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, store.ErrDuplicate):
		return codes.AlreadyExists
	case errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrTransient):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// NewError converts err to its reply. Details of internal and storage errors
// are logged, never sent.
func NewError(req *ClientMsg, err error) *Error {
	code := CodeOf(err)
	e := &Error{Code: code, Req: req}
	switch code {
	case codes.Internal:
		glog.Errorf("internal error, op: %s, err: %v", opOf(req), err)
		e.Params = []string{"internal error"}
	case codes.Unavailable:
		glog.Errorf("storage error, op: %s, err: %v", opOf(req), err)
		e.Params = []string{"temp storage error"}
	default:
		e.Params = []string{err.Error()}
	}
	return e
}

// InvalidArgument builds an invalid argument reply from messages.
func InvalidArgument(req *ClientMsg, errs ...string) *Error {
	return &Error{
		Code:   codes.InvalidArgument,
		Params: errs,
		Req:    req,
	}
}

func opOf(req *ClientMsg) string {
	if req == nil {
		return "-"
	}
	return req.Op()
}

// HTTPStatus maps a status code to its HTTP status.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	}
	return http.StatusInternalServerError
}
