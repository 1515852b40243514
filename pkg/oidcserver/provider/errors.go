// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import "fmt"

// Error codes defined by RFC 6749 §5.2 and OIDC Core §3.1.2.6.
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrUnauthorizedClient      = "unauthorized_client"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrRequestNotSupported     = "request_not_supported"
	ErrRequestURINotSupported  = "request_uri_not_supported"
	ErrServerError             = "server_error"
)

// Error is a protocol error: an RFC 6749 error code with an optional
// human-readable description and documentation URI. It flows through the
// notification contexts and is shaped per endpoint; it is never panicked.
type Error struct {
	Code        string
	Description string
	URI         string
}

// NewError returns a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
