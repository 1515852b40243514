// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package message implements the protocol message model shared by every
// OpenID Connect / OAuth 2.0 endpoint: an ordered, string-keyed parameter
// bag decoded from the query string or request form, with typed accessors
// for the parameters defined by RFC 6749, RFC 7662 and OIDC Core.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// RequestType identifies which protocol exchange a message belongs to.
type RequestType int

const (
	// AuthenticationRequest is an OIDC authentication / OAuth authorization request.
	AuthenticationRequest RequestType = iota
	// TokenRequest is a token endpoint request.
	TokenRequest
	// LogoutRequest is an RP-initiated logout request.
	LogoutRequest
)

// Well-known parameter names. Parameters are always stored lowercase.
const (
	ParamClientID              = "client_id"
	ParamClientSecret          = "client_secret"
	ParamRedirectURI           = "redirect_uri"
	ParamResponseType          = "response_type"
	ParamResponseMode          = "response_mode"
	ParamScope                 = "scope"
	ParamResource              = "resource"
	ParamState                 = "state"
	ParamNonce                 = "nonce"
	ParamGrantType             = "grant_type"
	ParamCode                  = "code"
	ParamRefreshToken          = "refresh_token"
	ParamUsername              = "username"
	ParamPassword              = "password"
	ParamIDTokenHint           = "id_token_hint"
	ParamAccessToken           = "access_token"
	ParamToken                 = "token"
	ParamTokenTypeHint         = "token_type_hint"
	ParamPostLogoutRedirectURI = "post_logout_redirect_uri"
	ParamUniqueID              = "unique_id"
	ParamRequest               = "request"
	ParamRequestURI            = "request_uri"
	ParamError                 = "error"
	ParamErrorDescription      = "error_description"
	ParamErrorURI              = "error_uri"
	ParamIDToken               = "id_token"
	ParamExpiresIn             = "expires_in"
	ParamTokenType             = "token_type"
)

// Message is an ordered mapping from lowercase parameter name to value.
// The zero value is not usable; construct with New.
type Message struct {
	requestType RequestType
	keys        []string
	values      map[string]string
}

// New returns an empty message of the given request type.
func New(requestType RequestType) *Message {
	return &Message{
		requestType: requestType,
		values:      make(map[string]string),
	}
}

// RequestType returns the protocol exchange this message belongs to.
func (m *Message) RequestType() RequestType {
	return m.requestType
}

// Get returns the value for name, or the empty string when absent.
func (m *Message) Get(name string) string {
	return m.values[strings.ToLower(name)]
}

// Has reports whether the parameter is present, even with an empty value.
func (m *Message) Has(name string) bool {
	_, ok := m.values[strings.ToLower(name)]
	return ok
}

// Set stores a parameter, preserving first-insertion order across updates.
func (m *Message) Set(name, value string) {
	name = strings.ToLower(name)
	if _, ok := m.values[name]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[name] = value
}

// Remove deletes a parameter if present.
func (m *Message) Remove(name string) {
	name = strings.ToLower(name)
	if _, ok := m.values[name]; !ok {
		return
	}
	delete(m.values, name)
	for i, k := range m.keys {
		if k == name {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the parameter names in insertion order.
func (m *Message) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of parameters.
func (m *Message) Len() int {
	return len(m.keys)
}

// Typed accessors for the known protocol parameters.

func (m *Message) ClientID() string              { return m.Get(ParamClientID) }
func (m *Message) ClientSecret() string          { return m.Get(ParamClientSecret) }
func (m *Message) RedirectURI() string           { return m.Get(ParamRedirectURI) }
func (m *Message) ResponseType() string          { return m.Get(ParamResponseType) }
func (m *Message) ResponseMode() string          { return m.Get(ParamResponseMode) }
func (m *Message) Scope() string                 { return m.Get(ParamScope) }
func (m *Message) Resource() string              { return m.Get(ParamResource) }
func (m *Message) State() string                 { return m.Get(ParamState) }
func (m *Message) Nonce() string                 { return m.Get(ParamNonce) }
func (m *Message) GrantType() string             { return m.Get(ParamGrantType) }
func (m *Message) Code() string                  { return m.Get(ParamCode) }
func (m *Message) RefreshToken() string          { return m.Get(ParamRefreshToken) }
func (m *Message) Username() string              { return m.Get(ParamUsername) }
func (m *Message) Password() string              { return m.Get(ParamPassword) }
func (m *Message) IDTokenHint() string           { return m.Get(ParamIDTokenHint) }
func (m *Message) AccessToken() string           { return m.Get(ParamAccessToken) }
func (m *Message) Token() string                 { return m.Get(ParamToken) }
func (m *Message) TokenTypeHint() string         { return m.Get(ParamTokenTypeHint) }
func (m *Message) PostLogoutRedirectURI() string { return m.Get(ParamPostLogoutRedirectURI) }
func (m *Message) UniqueID() string              { return m.Get(ParamUniqueID) }

// HasScope reports whether the space-delimited scope parameter contains scope.
func (m *Message) HasScope(scope string) bool {
	return containsToken(m.Scope(), scope)
}

// HasResponseType reports whether the space-delimited response_type parameter
// contains value.
func (m *Message) HasResponseType(value string) bool {
	return containsToken(m.ResponseType(), value)
}

// IsAuthorizationCodeGrant reports whether grant_type is authorization_code.
func (m *Message) IsAuthorizationCodeGrant() bool { return m.GrantType() == "authorization_code" }

// IsRefreshTokenGrant reports whether grant_type is refresh_token.
func (m *Message) IsRefreshTokenGrant() bool { return m.GrantType() == "refresh_token" }

// IsPasswordGrant reports whether grant_type is password.
func (m *Message) IsPasswordGrant() bool { return m.GrantType() == "password" }

// IsClientCredentialsGrant reports whether grant_type is client_credentials.
func (m *Message) IsClientCredentialsGrant() bool { return m.GrantType() == "client_credentials" }

func containsToken(list, value string) bool {
	for _, item := range strings.Fields(list) {
		if item == value {
			return true
		}
	}
	return false
}

// frameVersion is the wire version of the binary parameter frame used to
// persist authorization requests in the distributed cache.
const frameVersion int32 = 1

// maxFrameString caps individual strings when decoding frames, guarding
// against corrupted or hostile cache payloads.
const maxFrameString = 1 << 20

// MarshalBinary encodes the message parameters as a versioned binary frame:
// version (int32), count (int32), then count length-prefixed (name, value)
// pairs, preserving parameter order.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, frameVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(len(m.keys))); err != nil {
		return nil, err
	}
	for _, k := range m.keys {
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		if err := writeString(&buf, m.values[k]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a frame produced by MarshalBinary. Existing
// parameters on the message are kept; decoded parameters are only applied
// for names not already present, which gives live request parameters
// precedence over the cached copy.
func (m *Message) UnmarshalBinary(data []byte) error {
	buf := bytes.NewReader(data)
	var version int32
	if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("read frame version: %w", err)
	}
	if version != frameVersion {
		return fmt.Errorf("unsupported frame version %d", version)
	}
	var count int32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("read frame count: %w", err)
	}
	if count < 0 {
		return fmt.Errorf("negative frame count %d", count)
	}
	for i := int32(0); i < count; i++ {
		name, err := readString(buf)
		if err != nil {
			return fmt.Errorf("read parameter name: %w", err)
		}
		value, err := readString(buf)
		if err != nil {
			return fmt.Errorf("read parameter value: %w", err)
		}
		if !m.Has(name) {
			m.Set(name, value)
		}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(buf *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || n > maxFrameString {
		return "", fmt.Errorf("invalid string length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}
