// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"net/http"
	"slices"
	"strings"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
	"github.com/stacklok/oidcserver/pkg/oidcserver/token"
)

// handleValidation processes the introspection endpoint (RFC 7662). Tokens
// that cannot be attributed to the authenticated caller are reported as
// inactive rather than rejected, so the endpoint never leaks whether a token
// exists.
func (h *handler) handleValidation() {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	if err := h.requireHTTPS(); err != nil {
		badRequest(err)
		return
	}

	msg, err := message.Decode(h.request, message.TokenRequest)
	if err != nil {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the introspection request could not be parsed"))
		return
	}
	h.state.message = msg

	if msg.Token() == "" {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"token was missing from the request"))
		return
	}

	authCtx, err := h.authenticateClient(msg)
	if err != nil {
		h.serverError("client authentication notification failed", internal)
		return
	}
	if authCtx.IsHandled() {
		return
	}
	if authCtx.IsRejected() {
		// Rejected callers learn nothing about the token.
		if err := render.JSON(h.writer, http.StatusOK, map[string]any{"active": false}); err != nil {
			h.srv.logger.Error("failed to write introspection response", "error", err)
		}
		return
	}
	callerAuthenticated := authCtx.IsValidated()
	callerID := authCtx.ClientID

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointValidation,
		Message:  msg,
	}
	if err := h.srv.opts.Provider.ValidationEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("validation endpoint notification failed", internal)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	var payload map[string]any
	t, ok := h.lookupToken(msg.Token(), msg.TokenTypeHint())
	if !ok {
		return
	}
	if h.tokenActive(t, callerID, callerAuthenticated) {
		payload = h.introspectionPayload(t, callerID)
	} else {
		payload = map[string]any{"active": false}
	}

	responseCtx := &provider.ResponseContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointValidation,
		Message:  msg,
		Ticket:   t,
		Payload:  payload,
	}
	if err := h.srv.opts.Provider.ValidationEndpointResponse(h.ctx(), responseCtx); err != nil {
		h.serverError("validation response notification failed", internal)
		return
	}
	if responseCtx.IsHandled() {
		return
	}

	if err := render.JSON(h.writer, http.StatusOK, responseCtx.Payload); err != nil {
		h.srv.logger.Error("failed to write introspection response", "error", err)
	}
}

// lookupToken tries the token against each deserializer, hinted kind first.
// A nil ticket with ok=true means the token matched nothing.
func (h *handler) lookupToken(value, hint string) (*ticket.Ticket, bool) {
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	order := []string{ticket.UsageAccessToken, ticket.UsageIDToken, ticket.UsageRefreshToken}
	if i := slices.Index(order, hint); i > 0 {
		order[0], order[i] = order[i], order[0]
	}

	for _, kind := range order {
		var (
			t   *ticket.Ticket
			err error
		)
		switch kind {
		case ticket.UsageAccessToken:
			t, err = h.srv.serializer.DeserializeAccessToken(value)
		case ticket.UsageIDToken:
			t, err = h.srv.serializer.DeserializeIdentityToken(value)
		case ticket.UsageRefreshToken:
			t, err = h.srv.serializer.DeserializeRefreshToken(value)
		}
		if err != nil {
			h.serverError("failed to introspect the token", internal)
			return nil, false
		}
		if t != nil {
			return t, true
		}
	}
	return nil, true
}

// tokenActive applies the introspection activity rules: the token must
// exist, be within its validity window, and be attributable to the caller.
func (h *handler) tokenActive(t *ticket.Ticket, callerID string, callerAuthenticated bool) bool {
	if t == nil || t.Expired(h.srv.opts.Clock.Now()) {
		return false
	}
	if t.Confidential() && !callerAuthenticated {
		return false
	}
	switch t.Usage() {
	case ticket.UsageAccessToken, ticket.UsageIDToken:
		audiences := t.Audiences()
		return len(audiences) == 0 || slices.Contains(audiences, callerID)
	case ticket.UsageRefreshToken:
		return t.ClientID() == "" || t.ClientID() == callerID
	default:
		return false
	}
}

// introspectionPayload builds the active token metadata of RFC 7662 §2.2.
// Principal claims beyond the metadata set are released only when the
// caller is in the token's audience.
func (h *handler) introspectionPayload(t *ticket.Ticket, callerID string) map[string]any {
	payload := map[string]any{
		"active":     true,
		"iss":        h.issuer(),
		"sub":        t.Principal.Subject(),
		"token_type": t.Usage(),
	}
	if audiences := t.Audiences(); len(audiences) > 0 {
		payload["aud"] = audiences
	}
	if !t.Properties.IssuedAt.IsZero() {
		payload["iat"] = t.Properties.IssuedAt.Unix()
		payload["nbf"] = t.Properties.IssuedAt.Unix()
	}
	if !t.Properties.ExpiresAt.IsZero() {
		payload["exp"] = t.Properties.ExpiresAt.Unix()
	}
	if username := t.Principal.ClaimValue(ticket.ClaimName); username != "" {
		payload["username"] = username
	}
	if scopes := t.Scopes(); len(scopes) > 0 {
		payload["scope"] = strings.Join(scopes, " ")
	}
	if callerID != "" && slices.Contains(t.Audiences(), callerID) {
		appendPrincipalClaims(payload, t)
	}
	return payload
}

// introspectionMetadataKeys are the RFC 7662 response members principal
// claims must never shadow.
var introspectionMetadataKeys = []string{
	"active", "iss", "sub", "aud", "iat", "nbf", "exp",
	"username", "scope", "token_type", "client_id", "jti",
}

// appendPrincipalClaims merges the claims destined for the token kind into
// the payload, collapsing repeated claim types into arrays.
func appendPrincipalClaims(payload map[string]any, t *ticket.Ticket) {
	destination := token.DestinationFor(t.Usage())
	for _, c := range t.Principal.Claims {
		switch {
		case c.Type == ticket.ClaimSubject || c.Type == ticket.ClaimNameIdentifier:
			continue
		case slices.Contains(introspectionMetadataKeys, c.Type):
			continue
		case !c.HasDestination(destination):
			continue
		}
		switch existing := payload[c.Type].(type) {
		case nil:
			payload[c.Type] = c.Value
		case string:
			payload[c.Type] = []string{existing, c.Value}
		case []string:
			payload[c.Type] = append(existing, c.Value)
		}
	}
}
