package rpcerr

import (
	"errors"
)

// ToResponse flattens a handler error into the message and code carried by a
// response envelope.
func ToResponse(err error) (msg, code string) {
	if err == nil {
		return "", ""
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message, appErr.Code
	}
	var serErr *SerializationError
	if errors.As(err, &serErr) {
		return serErr.Err.Error(), CodeSerialization
	}
	return err.Error(), ""
}

// FromResponse rebuilds the caller-side error from a response envelope's message and code.
// It returns nil when both are empty.
func FromResponse(msg, code string) error {
	if msg == "" && code == "" {
		return nil
	}
	if code == CodeSerialization {
		return &SerializationError{Err: errors.New(msg)}
	}
	return &ApplicationError{Code: code, Message: msg}
}
