// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Decoding failures callers map onto per-endpoint error policies.
var (
	// ErrUnsupportedMethod indicates a method outside the endpoint's accepted set.
	ErrUnsupportedMethod = errors.New("message: unsupported HTTP method")

	// ErrUnsupportedContentType indicates a POST whose body is not form-encoded.
	ErrUnsupportedContentType = errors.New("message: unsupported content type")

	// ErrMalformedBody indicates a request body that could not be parsed.
	ErrMalformedBody = errors.New("message: malformed request body")
)

// maxFormBody bounds the request body read by Decode.
const maxFormBody = 1 << 20

// Decode parses an incoming request into a protocol message. GET requests
// are decoded from the query string; POST requests require a Content-Type
// starting with application/x-www-form-urlencoded (an appended charset
// directive is tolerated) and are decoded from the body. Parameter order is
// preserved as transmitted.
func Decode(r *http.Request, requestType RequestType) (*Message, error) {
	switch r.Method {
	case http.MethodGet:
		return DecodeQuery(r.URL.RawQuery, requestType)

	case http.MethodPost:
		contentType := strings.ToLower(r.Header.Get("Content-Type"))
		if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
			return nil, ErrUnsupportedContentType
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBody))
		if err != nil {
			return nil, ErrMalformedBody
		}
		return DecodeQuery(string(body), requestType)

	default:
		return nil, ErrUnsupportedMethod
	}
}

// DecodeQuery parses a URL-encoded parameter string into a message,
// preserving parameter order. Duplicated parameters keep the first value,
// matching the single-valued protocol parameter model.
func DecodeQuery(encoded string, requestType RequestType) (*Message, error) {
	m := New(requestType)
	for encoded != "" {
		var pair string
		pair, encoded, _ = strings.Cut(encoded, "&")
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(name)
		if err != nil {
			return nil, ErrMalformedBody
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			return nil, ErrMalformedBody
		}
		if name == "" || m.Has(name) {
			continue
		}
		m.Set(name, value)
	}
	return m, nil
}
