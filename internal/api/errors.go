package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a REST failure.
type Code string

const (
	// CodeTransport means the request never produced a response.
	CodeTransport Code = "transport"
	// CodeStatus means the server answered with a non-2xx status.
	CodeStatus Code = "status"
	// CodeDecode means the body failed schema validation.
	CodeDecode Code = "decode"
	// CodeRejected means the body was valid but reported success=false.
	CodeRejected Code = "rejected"
)

// Error is returned by every Client method.
type Error struct {
	Op      string
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("api %s: %s [%d]: %s", e.Op, e.Code, e.Status, msg)
	}
	return fmt.Sprintf("api %s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeStatus && apiErr.Status == http.StatusNotFound
}

// Temporary reports whether retrying the request could succeed.
func Temporary(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeTransport:
		return true
	case CodeStatus:
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	default:
		return false
	}
}
