// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the event surface a host application implements
// to plug into the authorization server: client validation, grant approval,
// and response customization. Every notification receives a context whose
// mutable outputs steer the server; hooks can short-circuit a request
// (HandleResponse), pass it through (SkipToNextMiddleware), or accept the
// default processing by doing nothing.
//
// Hosts embed Base and override only the notifications they care about:
//
//	type appProvider struct {
//	    provider.Base
//	    clients clientStore
//	}
//
//	func (p *appProvider) ValidateClientRedirectURI(
//	    ctx context.Context, c *provider.ValidateClientRedirectURIContext,
//	) error {
//	    if p.clients.HasRedirectURI(c.ClientID, c.RedirectURI) {
//	        c.Validate()
//	    } else {
//	        c.Reject(provider.NewError(provider.ErrInvalidClient, "unknown client"))
//	    }
//	    return nil
//	}
package provider

import "context"

// Provider is the complete notification surface. A returned error aborts the
// request with server_error; protocol rejections go through the context.
type Provider interface {
	// MatchEndpoint may override the endpoint routing decision.
	MatchEndpoint(ctx context.Context, c *MatchEndpointContext) error

	// ValidateClientRedirectURI validates the client and redirect_uri pair
	// of an authorization request.
	ValidateClientRedirectURI(ctx context.Context, c *ValidateClientRedirectURIContext) error

	// ValidateClientLogoutRedirectURI validates post_logout_redirect_uri.
	ValidateClientLogoutRedirectURI(ctx context.Context, c *ValidateClientLogoutRedirectURIContext) error

	// ValidateClientAuthentication authenticates the client of a token or
	// introspection request.
	ValidateClientAuthentication(ctx context.Context, c *ValidateClientAuthenticationContext) error

	// ValidateAuthorizationRequest runs after the built-in validation matrix.
	ValidateAuthorizationRequest(ctx context.Context, c *ValidateAuthorizationRequestContext) error

	// ValidateTokenRequest runs after the built-in token request validation.
	ValidateTokenRequest(ctx context.Context, c *ValidateTokenRequestContext) error

	// GrantAuthorizationCode approves redemption of an authorization code.
	GrantAuthorizationCode(ctx context.Context, c *GrantContext) error

	// GrantRefreshToken approves redemption of a refresh token.
	GrantRefreshToken(ctx context.Context, c *GrantContext) error

	// GrantResourceOwnerCredentials authenticates a password grant.
	GrantResourceOwnerCredentials(ctx context.Context, c *GrantContext) error

	// GrantClientCredentials approves a client_credentials grant.
	GrantClientCredentials(ctx context.Context, c *GrantContext) error

	// GrantCustomExtension handles unrecognized grant types.
	GrantCustomExtension(ctx context.Context, c *GrantCustomExtensionContext) error

	// AuthorizationEndpoint runs once the authorization request validated;
	// the host renders its login UI here or lets the request pass through.
	AuthorizationEndpoint(ctx context.Context, c *EndpointContext) error

	// AuthorizationEndpointResponse rewrites the authorization response.
	AuthorizationEndpointResponse(ctx context.Context, c *ResponseContext) error

	// TokenEndpoint runs before the grant engine.
	TokenEndpoint(ctx context.Context, c *EndpointContext) error

	// TokenEndpointResponse rewrites the token response payload.
	TokenEndpointResponse(ctx context.Context, c *ResponseContext) error

	// ValidationEndpoint runs before introspection processing.
	ValidationEndpoint(ctx context.Context, c *EndpointContext) error

	// ValidationEndpointResponse rewrites the introspection payload.
	ValidationEndpointResponse(ctx context.Context, c *ResponseContext) error

	// ProfileEndpoint runs before userinfo processing.
	ProfileEndpoint(ctx context.Context, c *EndpointContext) error

	// ProfileEndpointResponse rewrites the userinfo payload.
	ProfileEndpointResponse(ctx context.Context, c *ResponseContext) error

	// LogoutEndpoint runs before logout processing.
	LogoutEndpoint(ctx context.Context, c *EndpointContext) error

	// LogoutEndpointResponse rewrites the logout redirect.
	LogoutEndpointResponse(ctx context.Context, c *ResponseContext) error

	// ConfigurationEndpoint runs before the discovery document is emitted.
	ConfigurationEndpoint(ctx context.Context, c *EndpointContext) error

	// ConfigurationEndpointResponse rewrites the discovery document.
	ConfigurationEndpointResponse(ctx context.Context, c *ResponseContext) error

	// CryptographyEndpoint runs before the JWKS document is emitted.
	CryptographyEndpoint(ctx context.Context, c *EndpointContext) error

	// CryptographyEndpointResponse rewrites the JWKS document.
	CryptographyEndpointResponse(ctx context.Context, c *ResponseContext) error
}

// Base implements Provider with default pass-through behavior for every
// notification. Hosts embed it and override selectively.
type Base struct{}

var _ Provider = (*Base)(nil)

func (Base) MatchEndpoint(context.Context, *MatchEndpointContext) error { return nil }
func (Base) ValidateClientRedirectURI(context.Context, *ValidateClientRedirectURIContext) error {
	return nil
}
func (Base) ValidateClientLogoutRedirectURI(context.Context, *ValidateClientLogoutRedirectURIContext) error {
	return nil
}
func (Base) ValidateClientAuthentication(context.Context, *ValidateClientAuthenticationContext) error {
	return nil
}
func (Base) ValidateAuthorizationRequest(context.Context, *ValidateAuthorizationRequestContext) error {
	return nil
}
func (Base) ValidateTokenRequest(context.Context, *ValidateTokenRequestContext) error { return nil }
func (Base) GrantAuthorizationCode(context.Context, *GrantContext) error              { return nil }
func (Base) GrantRefreshToken(context.Context, *GrantContext) error                   { return nil }
func (Base) GrantResourceOwnerCredentials(context.Context, *GrantContext) error       { return nil }
func (Base) GrantClientCredentials(context.Context, *GrantContext) error              { return nil }
func (Base) GrantCustomExtension(context.Context, *GrantCustomExtensionContext) error { return nil }
func (Base) AuthorizationEndpoint(context.Context, *EndpointContext) error            { return nil }
func (Base) AuthorizationEndpointResponse(context.Context, *ResponseContext) error    { return nil }
func (Base) TokenEndpoint(context.Context, *EndpointContext) error                    { return nil }
func (Base) TokenEndpointResponse(context.Context, *ResponseContext) error            { return nil }
func (Base) ValidationEndpoint(context.Context, *EndpointContext) error               { return nil }
func (Base) ValidationEndpointResponse(context.Context, *ResponseContext) error       { return nil }
func (Base) ProfileEndpoint(context.Context, *EndpointContext) error                  { return nil }
func (Base) ProfileEndpointResponse(context.Context, *ResponseContext) error          { return nil }
func (Base) LogoutEndpoint(context.Context, *EndpointContext) error                   { return nil }
func (Base) LogoutEndpointResponse(context.Context, *ResponseContext) error           { return nil }
func (Base) ConfigurationEndpoint(context.Context, *EndpointContext) error            { return nil }
func (Base) ConfigurationEndpointResponse(context.Context, *ResponseContext) error    { return nil }
func (Base) CryptographyEndpoint(context.Context, *EndpointContext) error             { return nil }
func (Base) CryptographyEndpointResponse(context.Context, *ResponseContext) error     { return nil }
