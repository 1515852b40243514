// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// Endpoint tags the protocol endpoint a request was routed to.
type Endpoint int

const (
	// EndpointNone means the request matched no protocol endpoint.
	EndpointNone Endpoint = iota
	// EndpointAuthorization is the OAuth authorization endpoint.
	EndpointAuthorization
	// EndpointToken is the token endpoint.
	EndpointToken
	// EndpointValidation is the RFC 7662 introspection endpoint.
	EndpointValidation
	// EndpointProfile is the OIDC userinfo endpoint.
	EndpointProfile
	// EndpointLogout is the RP-initiated logout endpoint.
	EndpointLogout
	// EndpointConfiguration is the OIDC discovery document endpoint.
	EndpointConfiguration
	// EndpointCryptography is the JWKS endpoint.
	EndpointCryptography
)

// Context is the base notification context. It exposes the raw request and
// response plus a request-scoped key-value bag shared by every notification
// raised for the same request, and records whether the host handled the
// response itself or asked the server to pass the request through.
type Context struct {
	// Request is the incoming HTTP request.
	Request *http.Request

	// Writer is the response writer. A hook that writes a response must
	// also call HandleResponse.
	Writer http.ResponseWriter

	// Items is the request-scoped bag shared across notifications.
	Items map[string]any

	handled bool
	skipped bool
}

// HandleResponse marks the response as produced by the host; the server
// stops processing the request.
func (c *Context) HandleResponse() { c.handled = true }

// IsHandled reports whether the host produced the response itself.
func (c *Context) IsHandled() bool { return c.handled }

// SkipToNextMiddleware asks the server to pass the request through to the
// next handler untouched.
func (c *Context) SkipToNextMiddleware() { c.skipped = true }

// IsSkipped reports whether the request should pass through.
func (c *Context) IsSkipped() bool { return c.skipped }

// validationState is the three-state outcome of a validating notification.
type validationState int

const (
	stateSkipped validationState = iota
	stateValidated
	stateRejected
)

// ValidatingContext adds the {Skipped, Validated, Rejected} outcome to a
// notification. The initial state depends on the notification; rejection
// carries a protocol error shaped by the endpoint.
type ValidatingContext struct {
	Context

	state validationState
	err   *Error
}

// Validate marks the notification outcome as validated.
func (c *ValidatingContext) Validate() {
	c.state = stateValidated
	c.err = nil
}

// Skip resets the notification outcome to skipped.
func (c *ValidatingContext) Skip() {
	c.state = stateSkipped
	c.err = nil
}

// Reject marks the outcome as rejected with the given protocol error. A nil
// error rejects with a bare invalid_request.
func (c *ValidatingContext) Reject(err *Error) {
	c.state = stateRejected
	if err == nil {
		err = NewError(ErrInvalidRequest, "")
	}
	c.err = err
}

// IsValidated reports an explicitly validated outcome.
func (c *ValidatingContext) IsValidated() bool { return c.state == stateValidated }

// IsRejected reports a rejected outcome.
func (c *ValidatingContext) IsRejected() bool { return c.state == stateRejected }

// IsSkippedState reports that the notification neither validated nor
// rejected the request.
func (c *ValidatingContext) IsSkippedState() bool { return c.state == stateSkipped }

// RejectionError returns the protocol error of a rejected outcome, or nil.
func (c *ValidatingContext) RejectionError() *Error { return c.err }

// MatchEndpointContext lets the host override endpoint routing, typically
// to map vanity paths onto protocol endpoints.
type MatchEndpointContext struct {
	Context

	// Endpoint is the routing decision. Pre-populated with the result of
	// path matching; the hook may overwrite it.
	Endpoint Endpoint
}

// ValidateClientRedirectURIContext gates the redirect_uri of an
// authorization request against the client registration. Hosts validate the
// pair or reject with invalid_client; when the request carried no
// redirect_uri, the host may supply the registered one via RedirectURI.
type ValidateClientRedirectURIContext struct {
	ValidatingContext

	// ClientID is the client_id of the authorization request.
	ClientID string

	// RedirectURI is the requested redirect_uri; the host may replace it
	// with the registered value when the request omitted it.
	RedirectURI string
}

// ValidateClientLogoutRedirectURIContext gates post_logout_redirect_uri.
type ValidateClientLogoutRedirectURIContext struct {
	ValidatingContext

	// PostLogoutRedirectURI is the requested post-logout destination.
	PostLogoutRedirectURI string
}

// ValidateClientAuthenticationContext carries the client credentials of a
// token or introspection request. The initial state is skipped: hosts
// validate confidential clients, skip public ones, or reject.
type ValidateClientAuthenticationContext struct {
	ValidatingContext

	// ClientID is taken from the form or the Basic authorization header.
	ClientID string

	// ClientSecret is taken from the form or the Basic authorization header.
	ClientSecret string
}

// ValidateAuthorizationRequestContext runs after the built-in authorization
// request validation matrix.
type ValidateAuthorizationRequestContext struct {
	ValidatingContext

	// Message is the decoded authorization request.
	Message *message.Message
}

// ValidateTokenRequestContext runs after the built-in token request
// validation.
type ValidateTokenRequestContext struct {
	ValidatingContext

	// Message is the decoded token request.
	Message *message.Message

	// ClientAuthenticated reports whether client authentication validated.
	ClientAuthenticated bool
}

// GrantContext carries a grant-type-specific notification. For the
// authorization_code and refresh_token grants the context starts validated
// with the deserialized ticket; for the credential grants it starts skipped
// and the host must attach a ticket and validate.
type GrantContext struct {
	ValidatingContext

	// Message is the decoded token request.
	Message *message.Message

	// Ticket is the authentication ticket the response is issued from. The
	// host may replace it to customize token contents.
	Ticket *ticket.Ticket
}

// GrantCustomExtensionContext handles unrecognized grant types.
type GrantCustomExtensionContext struct {
	GrantContext

	// GrantType is the unrecognized grant_type value.
	GrantType string
}

// EndpointContext notifies the host that an endpoint is processing a
// request, before the default processing produces a response. Calling
// HandleResponse short-circuits the endpoint; for the authorization
// endpoint, not handling the response passes the request to the host's
// login UI.
type EndpointContext struct {
	Context

	// Endpoint identifies the notifying endpoint.
	Endpoint Endpoint

	// Message is the decoded request, when the endpoint decodes one.
	Message *message.Message
}

// ResponseContext notifies the host that an endpoint is about to emit its
// response, offering a last chance to rewrite it. Entries added to
// AdditionalParameters are merged into redirect-style responses; Payload is
// the mutable body of JSON responses.
type ResponseContext struct {
	Context

	// Endpoint identifies the notifying endpoint.
	Endpoint Endpoint

	// Message is the decoded request, when available.
	Message *message.Message

	// Ticket is the ticket the response was issued from, when available.
	Ticket *ticket.Ticket

	// AdditionalParameters are appended to redirect-style responses.
	AdditionalParameters map[string]string

	// Payload is the JSON response body, mutable in place.
	Payload map[string]any
}
