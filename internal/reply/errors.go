package reply

import "errors"

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrInvalidUserID   = errors.New("invalid user id")
)
