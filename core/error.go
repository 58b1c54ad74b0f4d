package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure so it can be reported to a client
// without exposing its internals.
type ErrorCode string

const (
	CodeNotFound        ErrorCode = "not_found"
	CodeForbidden       ErrorCode = "forbidden"
	CodeDuplicateRoom   ErrorCode = "duplicate_room"
	CodeInvalidName     ErrorCode = "invalid_name"
	CodeInvalidPayload  ErrorCode = "invalid_payload"
	CodeAuthRequired    ErrorCode = "auth_required"
	CodeInvalidIdentity ErrorCode = "invalid_identity"
	CodeIDCollision     ErrorCode = "id_collision"
	CodeInternal        ErrorCode = "internal"
)

type Error struct {
	Code ErrorCode
	msg  string
	// Sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, its message can be returned to the client.
	Sensitive bool
	// kind is the sentinel this error was derived from, used by errors.Is.
	kind *Error
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

func NewSensitiveError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, msg: msg, Sensitive: true}
}

func (e *Error) Error() string {
	return e.msg
}

// Is reports whether target is e or the sentinel e was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || (e.kind != nil && e.kind == t)
}

// Withf returns a copy of e with a more specific message that still matches e.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{
		Code:      e.Code,
		msg:       fmt.Sprintf(format, args...),
		Sensitive: e.Sensitive,
		kind:      e,
	}
}

var (
	ErrUserNotFound    = NewError(CodeNotFound, "user not found")
	ErrRoomNotFound    = NewError(CodeNotFound, "room not found")
	ErrMessageNotFound = NewError(CodeNotFound, "message not found")
	ErrNotInRoom       = NewError(CodeNotFound, "not in room")
	ErrConnClosed      = NewError(CodeNotFound, "connection closed")
	ErrForbidden       = NewError(CodeForbidden, "forbidden")
	ErrDuplicateRoom   = NewError(CodeDuplicateRoom, "room already exists")
	ErrInvalidName     = NewError(CodeInvalidName, "room name is required")
	ErrInvalidPayload  = NewError(CodeInvalidPayload, "invalid payload")
	ErrAuthRequired    = NewError(CodeAuthRequired, "authentication required")
	ErrInvalidIdentity = NewError(CodeInvalidIdentity, "invalid identity")
	ErrConflictedUser  = NewError(CodeInvalidIdentity, "user already exists")
	ErrIDCollision     = NewSensitiveError(CodeIDCollision, "message id collision")
)

// CodeOf returns the code of the first core error in err's chain, or
// CodeInternal if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
