package chat

import (
	"errors"
	"fmt"
)

var (
	ErrAuth            = errors.New("authentication failed")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRateLimited     = errors.New("rate limited")
)

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
