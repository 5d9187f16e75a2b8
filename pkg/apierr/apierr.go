// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package apierr defines the error taxonomy shared across the event
// streaming core: every component that can fail in a way a caller needs
// to distinguish returns (or wraps) one of these kinds rather than a bare
// error string.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and machine-readable
// client handling. The set is closed; clients switch on these codes.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindAuthorization  Kind = "AUTHORIZATION_ERROR"
	KindStreamNotFound Kind = "STREAM_NOT_FOUND"
	KindViewNotFound   Kind = "VIEW_NOT_FOUND"
	KindTableNotFound  Kind = "TABLE_NOT_FOUND"
	KindRowNotFound    Kind = "ROW_NOT_FOUND"
	KindInvalidColumn  Kind = "INVALID_COLUMN"
	KindLimitExceeded  Kind = "LIMIT_EXCEEDED"
	KindRateLimit      Kind = "RATE_LIMIT_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// HTTPStatus returns the status code each kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInvalidColumn:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindStreamNotFound, KindViewNotFound, KindTableNotFound, KindRowNotFound:
		return http.StatusNotFound
	case KindLimitExceeded, KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed, user-facing error carrying a Kind and a message.
// It wraps an optional underlying cause for logging without leaking
// internals to the client (Error() intentionally omits the cause).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind carrying cause for logs.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound is a convenience constructor for the four not-found kinds.
func NotFound(kind Kind, what string) *Error {
	return &Error{Kind: kind, Message: what + " not found"}
}

// Envelope is the JSON error response body.
type Envelope struct {
	Error string `json:"error"`
	Code  Kind   `json:"code"`
}

// ToEnvelope converts any error into a response envelope and status code.
// Errors that are not *Error are treated as internal.
func ToEnvelope(err error) (Envelope, int) {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		e = &Error{Kind: KindInternal, Message: "internal error", Cause: err}
	}
	return Envelope{Error: e.Message, Code: e.Kind}, e.Kind.HTTPStatus()
}
