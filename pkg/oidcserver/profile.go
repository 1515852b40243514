// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"net/http"
	"strings"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// scopeClaims maps the standard OIDC scopes to the profile claims they
// release.
var scopeClaims = map[string][]string{
	"profile": {ticket.ClaimName, ticket.ClaimGivenName, ticket.ClaimFamilyName, ticket.ClaimBirthdate},
	"email":   {ticket.ClaimEmail},
	"phone":   {ticket.ClaimPhoneNumber},
}

// handleProfile processes the userinfo endpoint (OIDC Core §5.3): resolve
// the access token, then release the claims its scopes permit.
func (h *handler) handleProfile() {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	if err := h.requireHTTPS(); err != nil {
		badRequest(err)
		return
	}

	msg, err := message.Decode(h.request, message.TokenRequest)
	if err != nil {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the userinfo request could not be parsed"))
		return
	}
	h.state.message = msg

	accessToken := msg.AccessToken()
	if accessToken == "" {
		accessToken = bearerToken(h.request)
	}
	if accessToken == "" {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"no access token accompanied the request"))
		return
	}

	t, err := h.srv.serializer.DeserializeAccessToken(accessToken)
	if err != nil {
		h.serverError("failed to validate the access token", internal)
		return
	}
	if t == nil || t.Expired(h.srv.opts.Clock.Now()) {
		badRequest(provider.NewError(provider.ErrInvalidGrant,
			"the access token is invalid or has expired"))
		return
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointProfile,
		Message:  msg,
	}
	if err := h.srv.opts.Provider.ProfileEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("profile endpoint notification failed", internal)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	subject := t.Principal.Subject()
	if subject == "" {
		h.serverError("the access token carries no subject", internal)
		return
	}

	payload := map[string]any{"sub": subject}
	for scope, claims := range scopeClaims {
		if !t.HasScope(scope) {
			continue
		}
		for _, claimType := range claims {
			if value := t.Principal.ClaimValue(claimType); value != "" {
				payload[claimType] = value
			}
		}
	}

	responseCtx := &provider.ResponseContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointProfile,
		Message:  msg,
		Ticket:   t,
		Payload:  payload,
	}
	if err := h.srv.opts.Provider.ProfileEndpointResponse(h.ctx(), responseCtx); err != nil {
		h.serverError("profile response notification failed", internal)
		return
	}
	if responseCtx.IsHandled() {
		return
	}

	if err := render.JSON(h.writer, http.StatusOK, responseCtx.Payload); err != nil {
		h.srv.logger.Error("failed to write userinfo response", "error", err)
	}
}

// bearerToken extracts the token of an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
