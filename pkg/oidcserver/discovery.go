// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"net/http"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
)

// handleConfiguration serves the OIDC discovery document, describing the
// enabled endpoints and the capabilities they imply.
func (h *handler) handleConfiguration() {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	if err := h.requireHTTPS(); err != nil {
		badRequest(err)
		return
	}

	if h.request.Method != http.MethodGet {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the discovery endpoint only accepts GET requests"))
		return
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointConfiguration,
	}
	if err := h.srv.opts.Provider.ConfigurationEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("configuration endpoint notification failed", internal)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	issuer := h.issuer()
	opts := &h.srv.opts

	payload := map[string]any{
		"issuer":                                issuer,
		"subject_types_supported":               []string{"public"},
		"scopes_supported":                      []string{"openid"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_modes_supported":              []string{"form_post", "fragment", "query"},
	}

	endpoint := func(key, path string) {
		if path != "" {
			payload[key] = issuer + path
		}
	}
	endpoint("authorization_endpoint", opts.AuthorizationEndpointPath)
	endpoint("token_endpoint", opts.TokenEndpointPath)
	endpoint("introspection_endpoint", opts.ValidationEndpointPath)
	endpoint("userinfo_endpoint", opts.ProfileEndpointPath)
	endpoint("end_session_endpoint", opts.LogoutEndpointPath)
	endpoint("jwks_uri", opts.CryptographyEndpointPath)

	payload["grant_types_supported"] = supportedGrantTypes(opts)
	payload["response_types_supported"] = supportedResponseTypes(opts)

	responseCtx := &provider.ResponseContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointConfiguration,
		Payload:  payload,
	}
	if err := h.srv.opts.Provider.ConfigurationEndpointResponse(h.ctx(), responseCtx); err != nil {
		h.serverError("configuration response notification failed", internal)
		return
	}
	if responseCtx.IsHandled() {
		return
	}

	if err := render.JSON(h.writer, http.StatusOK, responseCtx.Payload); err != nil {
		h.srv.logger.Error("failed to write discovery document", "error", err)
	}
}

// supportedGrantTypes deduces the advertised grant types from the enabled
// endpoints.
func supportedGrantTypes(opts *Options) []string {
	var grants []string
	if opts.AuthorizationEndpointPath != "" {
		grants = append(grants, "implicit")
	}
	if opts.AuthorizationEndpointPath != "" && opts.TokenEndpointPath != "" {
		grants = append(grants, "authorization_code")
	}
	if opts.TokenEndpointPath != "" {
		grants = append(grants, "refresh_token", "password", "client_credentials")
	}
	return grants
}

// supportedResponseTypes lists the response_type combinations the server
// accepts; code flows require the token endpoint.
func supportedResponseTypes(opts *Options) []string {
	types := []string{"none", "token", "id_token", "id_token token"}
	if opts.TokenEndpointPath != "" {
		types = append(types, "code", "code token", "code id_token", "code id_token token")
	}
	return types
}

// handleCryptography serves the JWKS document of the exportable signing
// credentials.
func (h *handler) handleCryptography() {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	if err := h.requireHTTPS(); err != nil {
		badRequest(err)
		return
	}

	if h.request.Method != http.MethodGet {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the JWKS endpoint only accepts GET requests"))
		return
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointCryptography,
	}
	if err := h.srv.opts.Provider.CryptographyEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("cryptography endpoint notification failed", internal)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	set, err := keys.JWKS(h.srv.opts.SigningCredentials)
	if err != nil {
		h.serverError("failed to assemble the JWKS document", internal)
		return
	}
	if set.Keys == nil {
		set.Keys = []jose.JSONWebKey{}
	}
	payload := map[string]any{"keys": set.Keys}

	responseCtx := &provider.ResponseContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointCryptography,
		Payload:  payload,
	}
	if err := h.srv.opts.Provider.CryptographyEndpointResponse(h.ctx(), responseCtx); err != nil {
		h.serverError("cryptography response notification failed", internal)
		return
	}
	if responseCtx.IsHandled() {
		return
	}

	if err := render.JSON(h.writer, http.StatusOK, responseCtx.Payload); err != nil {
		h.srv.logger.Error("failed to write JWKS document", "error", err)
	}
}
