// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// handleToken processes the token endpoint: authenticate the client, run the
// grant, then compose the token response from the granted ticket.
func (h *handler) handleToken() {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	if err := h.requireHTTPS(); err != nil {
		badRequest(err)
		return
	}
	if h.request.Method != http.MethodPost {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the token endpoint only accepts POST requests"))
		return
	}

	msg, err := message.Decode(h.request, message.TokenRequest)
	if err != nil {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"the token request could not be parsed as a form"))
		return
	}
	h.state.message = msg

	grantType := msg.GrantType()
	if grantType == "" {
		badRequest(provider.NewError(provider.ErrInvalidRequest,
			"grant_type was missing from the request"))
		return
	}
	if err := requiredGrantParameters(msg); err != nil {
		badRequest(err)
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
		rejection := authCtx.RejectionError()
		if rejection == nil || rejection.Code == provider.ErrInvalidRequest {
			rejection = provider.NewError(provider.ErrInvalidClient,
				"the client credentials were not accepted")
		}
		badRequest(rejection)
		return
	}
	clientAuthenticated := authCtx.IsValidated()

	if msg.IsClientCredentialsGrant() && !clientAuthenticated {
		badRequest(provider.NewError(provider.ErrInvalidClient,
			"the client_credentials grant requires client authentication"))
		return
	}

	requestCtx := &provider.ValidateTokenRequestContext{
		ValidatingContext:   provider.ValidatingContext{Context: h.notification()},
		Message:             msg,
		ClientAuthenticated: clientAuthenticated,
	}
	if err := h.srv.opts.Provider.ValidateTokenRequest(h.ctx(), requestCtx); err != nil {
		h.serverError("token request validation notification failed", internal)
		return
	}
	if requestCtx.IsHandled() {
		return
	}
	if requestCtx.IsRejected() {
		badRequest(requestCtx.RejectionError())
		return
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointToken,
		Message:  msg,
	}
	if err := h.srv.opts.Provider.TokenEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("token endpoint notification failed", internal)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	grant, ok := h.runGrant(msg, authCtx.ClientID, clientAuthenticated)
	if !ok {
		return
	}

	t := grant.ticket
	if t == nil || t.Principal == nil || t.Principal.Subject() == "" {
		h.serverError("the grant produced no authenticated ticket", internal)
		return
	}

	payload, ok := h.composeTokenResponse(msg, t, grant.maxExpiresAt)
	if !ok {
		return
	}

	responseCtx := &provider.ResponseContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointToken,
		Message:  msg,
		Ticket:   t,
		Payload:  payload,
	}
	if err := h.srv.opts.Provider.TokenEndpointResponse(h.ctx(), responseCtx); err != nil {
		h.serverError("token response notification failed", internal)
		return
	}
	if responseCtx.IsHandled() {
		return
	}

	if err := render.JSON(h.writer, http.StatusOK, responseCtx.Payload); err != nil {
		h.srv.logger.Error("failed to write token response", "error", err)
	}
}

// requiredGrantParameters checks the parameters each grant type mandates.
func requiredGrantParameters(msg *message.Message) *provider.Error {
	switch {
	case msg.IsAuthorizationCodeGrant() && msg.Code() == "":
		return provider.NewError(provider.ErrInvalidRequest,
			"code was missing from the request")
	case msg.IsRefreshTokenGrant() && msg.RefreshToken() == "":
		return provider.NewError(provider.ErrInvalidRequest,
			"refresh_token was missing from the request")
	case msg.IsPasswordGrant() && (msg.Username() == "" || msg.Password() == ""):
		return provider.NewError(provider.ErrInvalidRequest,
			"username and password are required for the password grant")
	}
	return nil
}

// grantResult is the outcome of a successful grant: the ticket to issue
// tokens from, and an optional expiration ceiling for the minted tokens.
type grantResult struct {
	ticket       *ticket.Ticket
	maxExpiresAt time.Time
}

// runGrant dispatches to the grant-type-specific processing. A false return
// means the response was already emitted.
func (h *handler) runGrant(msg *message.Message, clientID string, clientAuthenticated bool) (grantResult, bool) {
	badRequest := func(err *provider.Error) { h.jsonError(http.StatusBadRequest, err) }
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	invalidGrant := func(description string) (grantResult, bool) {
		badRequest(provider.NewError(provider.ErrInvalidGrant, description))
		return grantResult{}, false
	}

	notify := func(grantCtx *provider.GrantContext, fire func() error) (grantResult, bool) {
		before := grantCtx.Ticket
		var issuedAt, expiresAt time.Time
		if before != nil {
			issuedAt = before.Properties.IssuedAt
			expiresAt = before.Properties.ExpiresAt
		}
		if err := fire(); err != nil {
			h.serverError("grant notification failed", internal)
			return grantResult{}, false
		}
		if grantCtx.IsHandled() {
			return grantResult{}, false
		}
		if grantCtx.IsRejected() || !grantCtx.IsValidated() {
			rejection := grantCtx.RejectionError()
			if rejection == nil {
				rejection = provider.NewError(provider.ErrInvalidGrant,
					"the authorization grant was not accepted")
			}
			badRequest(rejection)
			return grantResult{}, false
		}
		// When the host left the incoming ticket and its validity window
		// untouched, fresh windows are stamped per issued token. Host-set
		// values are honored as-is.
		if grantCtx.Ticket != nil && grantCtx.Ticket == before &&
			grantCtx.Ticket.Properties.IssuedAt.Equal(issuedAt) &&
			grantCtx.Ticket.Properties.ExpiresAt.Equal(expiresAt) {
			grantCtx.Ticket.Properties.IssuedAt = time.Time{}
			grantCtx.Ticket.Properties.ExpiresAt = time.Time{}
		}
		return grantResult{ticket: grantCtx.Ticket}, true
	}

	switch {
	case msg.IsAuthorizationCodeGrant():
		t, err := h.srv.serializer.DeserializeAuthorizationCode(h.ctx(), msg.Code())
		if err != nil {
			h.serverError("failed to load the authorization code", internal)
			return grantResult{}, false
		}
		if t == nil || t.Expired(h.srv.opts.Clock.Now()) {
			return invalidGrant("the authorization code is invalid or has expired")
		}
		if t.ClientID() == "" || clientID == "" || t.ClientID() != clientID {
			return invalidGrant("the authorization code was issued to another client")
		}
		if original := t.GetItem(ticket.PropertyRedirectURI); original != "" && msg.RedirectURI() != original {
			return invalidGrant("redirect_uri does not match the authorization request")
		}
		if err := narrowTicket(msg, t); err != nil {
			badRequest(err)
			return grantResult{}, false
		}
		grantCtx := &provider.GrantContext{
			ValidatingContext: provider.ValidatingContext{Context: h.notification()},
			Message:           msg,
			Ticket:            t,
		}
		grantCtx.Validate()
		return notify(grantCtx, func() error {
			return h.srv.opts.Provider.GrantAuthorizationCode(h.ctx(), grantCtx)
		})

	case msg.IsRefreshTokenGrant():
		t, err := h.srv.serializer.DeserializeRefreshToken(msg.RefreshToken())
		if err != nil {
			h.serverError("failed to load the refresh token", internal)
			return grantResult{}, false
		}
		if t == nil || t.Expired(h.srv.opts.Clock.Now()) {
			return invalidGrant("the refresh token is invalid or has expired")
		}
		if t.Confidential() && !clientAuthenticated {
			return invalidGrant("the refresh token requires client authentication")
		}
		if t.ClientID() != "" && clientID != "" && t.ClientID() != clientID {
			return invalidGrant("the refresh token was issued to another client")
		}
		if err := narrowTicket(msg, t); err != nil {
			badRequest(err)
			return grantResult{}, false
		}
		var ceiling time.Time
		if !h.srv.opts.UseSlidingExpiration {
			ceiling = t.Properties.ExpiresAt
		}
		grantCtx := &provider.GrantContext{
			ValidatingContext: provider.ValidatingContext{Context: h.notification()},
			Message:           msg,
			Ticket:            t,
		}
		grantCtx.Validate()
		result, ok := notify(grantCtx, func() error {
			return h.srv.opts.Provider.GrantRefreshToken(h.ctx(), grantCtx)
		})
		result.maxExpiresAt = ceiling
		return result, ok

	case msg.IsPasswordGrant():
		grantCtx := &provider.GrantContext{
			ValidatingContext: provider.ValidatingContext{Context: h.notification()},
			Message:           msg,
		}
		return notify(grantCtx, func() error {
			return h.srv.opts.Provider.GrantResourceOwnerCredentials(h.ctx(), grantCtx)
		})

	case msg.IsClientCredentialsGrant():
		grantCtx := &provider.GrantContext{
			ValidatingContext: provider.ValidatingContext{Context: h.notification()},
			Message:           msg,
		}
		return notify(grantCtx, func() error {
			return h.srv.opts.Provider.GrantClientCredentials(h.ctx(), grantCtx)
		})

	default:
		extCtx := &provider.GrantCustomExtensionContext{
			GrantContext: provider.GrantContext{
				ValidatingContext: provider.ValidatingContext{Context: h.notification()},
				Message:           msg,
			},
			GrantType: msg.GrantType(),
		}
		if err := h.srv.opts.Provider.GrantCustomExtension(h.ctx(), extCtx); err != nil {
			h.serverError("grant notification failed", internal)
			return grantResult{}, false
		}
		if extCtx.IsHandled() {
			return grantResult{}, false
		}
		if extCtx.IsSkippedState() {
			badRequest(provider.NewError(provider.ErrUnsupportedGrantType,
				"the requested grant_type is not supported"))
			return grantResult{}, false
		}
		return notify(&extCtx.GrantContext, func() error { return nil })
	}
}

// narrowTicket applies the token request's scope and resource parameters to
// the ticket. Values may only narrow what the ticket already holds.
func narrowTicket(msg *message.Message, t *ticket.Ticket) *provider.Error {
	if scope := msg.Scope(); scope != "" {
		requested := strings.Fields(scope)
		for _, s := range requested {
			if !t.HasScope(s) {
				return provider.NewError(provider.ErrInvalidGrant,
					"the requested scope exceeds the granted scope")
			}
		}
		t.SetScopes(requested...)
	}
	if resource := msg.Resource(); resource != "" {
		requested := strings.Fields(resource)
		held := t.Resources()
		for _, r := range requested {
			if !slices.Contains(held, r) {
				return provider.NewError(provider.ErrInvalidGrant,
					"the requested resource exceeds the granted resources")
			}
		}
		t.SetResources(requested...)
	}
	return nil
}

// composeTokenResponse mints the tokens the request asks for and assembles
// the JSON payload. A false return means an error response was emitted.
func (h *handler) composeTokenResponse(msg *message.Message, t *ticket.Ticket, maxExpiresAt time.Time) (map[string]any, bool) {
	internal := func(err *provider.Error) { h.jsonError(http.StatusInternalServerError, err) }

	now := h.srv.opts.Clock.Now()
	responseType := msg.ResponseType()
	wants := func(kind string) bool {
		return responseType == "" || msg.HasResponseType(kind)
	}

	payload := make(map[string]any)
	var accessToken string

	if wants("token") {
		ta := t.Copy()
		applyWindow(ta, now, h.srv.opts.AccessTokenLifetime)
		capExpiration(ta, maxExpiresAt)
		if len(ta.Audiences()) == 0 {
			ta.SetAudiences(ta.Resources()...)
		}
		var err error
		accessToken, err = h.srv.serializer.SerializeAccessToken(ta)
		if err != nil {
			h.serverError("failed to serialize the access token", internal)
			return nil, false
		}
		payload[message.ParamAccessToken] = accessToken
		payload[message.ParamTokenType] = "Bearer"
		if expiresIn := ta.Properties.ExpiresAt.Sub(now).Round(time.Second); expiresIn > 0 {
			payload[message.ParamExpiresIn] = int64(expiresIn / time.Second)
		}
	}

	if t.HasScope("openid") && wants("id_token") {
		ti := t.Copy()
		applyWindow(ti, now, h.srv.opts.IdentityTokenLifetime)
		capExpiration(ti, maxExpiresAt)
		if len(ti.Audiences()) == 0 && ti.ClientID() != "" {
			ti.SetAudiences(ti.ClientID())
		}
		idToken, err := h.srv.serializer.SerializeIdentityToken(ti, "", accessToken)
		if err != nil {
			h.serverError("failed to serialize the identity token", internal)
			return nil, false
		}
		payload[message.ParamIDToken] = idToken
	}

	if t.HasScope("offline_access") && wants("refresh_token") {
		tr := t.Copy()
		applyWindow(tr, now, h.srv.opts.RefreshTokenLifetime)
		capExpiration(tr, maxExpiresAt)
		refreshToken, err := h.srv.serializer.SerializeRefreshToken(tr)
		if err != nil {
			h.serverError("failed to serialize the refresh token", internal)
			return nil, false
		}
		payload[message.ParamRefreshToken] = refreshToken
	}

	// The effective scope is echoed whenever the request narrowed it.
	if msg.Scope() != "" {
		payload[message.ParamScope] = strings.Join(t.Scopes(), " ")
	}
	if state := msg.State(); state != "" {
		payload[message.ParamState] = state
	}
	return payload, true
}

// capExpiration bounds a minted token's expiration, used when sliding
// expiration is disabled and refreshed tokens must not outlive the refresh
// token that produced them.
func capExpiration(t *ticket.Ticket, maxExpiresAt time.Time) {
	if maxExpiresAt.IsZero() {
		return
	}
	if t.Properties.ExpiresAt.After(maxExpiresAt) {
		t.Properties.ExpiresAt = maxExpiresAt
	}
}
