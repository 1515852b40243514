// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// Sign-in and sign-out failures reported back to the host.
var (
	// ErrNoPendingRequest means SignIn or SignOut was called outside a
	// request flowing through the corresponding protocol endpoint.
	ErrNoPendingRequest = errors.New("oidcserver: no pending protocol request on this context")

	// ErrResponseStarted means the response headers were already flushed;
	// no second response can be emitted.
	ErrResponseStarted = errors.New("oidcserver: the response has already started")
)

// SignIn completes a pending authorization request with the host-supplied
// authentication ticket. Tokens are generated in strict code, access token,
// identity token order so c_hash and at_hash cover the issued values, the
// response is rendered through the negotiated response mode, and the
// request continuation entry is removed.
//
// Call it from the AuthorizationEndpoint notification (followed by
// HandleResponse) or from a downstream host handler on the same request.
func (s *Server) SignIn(w http.ResponseWriter, r *http.Request, t *ticket.Ticket) error {
	state := requestStateFromContext(r.Context())
	if state == nil || state.endpoint != provider.EndpointAuthorization || state.message == nil {
		return ErrNoPendingRequest
	}
	if state.writer.wroteHeader {
		s.logger.Error("cannot complete sign-in: the response has already started",
			"level", "critical",
		)
		return ErrResponseStarted
	}

	msg := state.message
	h := &handler{
		srv:      s,
		writer:   state.writer,
		request:  r,
		state:    state,
		endpoint: provider.EndpointAuthorization,
	}

	redirectURI := msg.RedirectURI()
	if redirectURI == "" {
		return fmt.Errorf("oidcserver: the pending request has no redirect_uri")
	}
	responseMode, _ := negotiateResponseMode(msg)

	if t == nil || t.Principal == nil || t.Principal.Subject() == "" {
		h.redirectError(redirectURI, responseMode, msg.State(),
			provider.NewError(provider.ErrServerError, "the authentication ticket has no subject"))
		return fmt.Errorf("oidcserver: the authentication ticket has no subject")
	}

	base := t.Copy()
	seedTicketFromMessage(base, msg)

	now := s.opts.Clock.Now()
	params := &render.Params{}

	var code, accessToken string
	var err error

	if msg.HasResponseType("code") {
		tc := base.Copy()
		applyWindow(tc, now, s.opts.AuthorizationCodeLifetime)
		code, err = s.serializer.SerializeAuthorizationCode(r.Context(), tc)
		if err != nil {
			s.logger.Error("failed to serialize the authorization code", "error", err)
			h.redirectError(redirectURI, responseMode, msg.State(),
				provider.NewError(provider.ErrServerError, "failed to serialize the authorization code"))
			return err
		}
		params.Add(message.ParamCode, code)
	}

	if msg.HasResponseType("token") {
		ta := base.Copy()
		applyWindow(ta, now, s.opts.AccessTokenLifetime)
		if len(ta.Audiences()) == 0 {
			ta.SetAudiences(ta.Resources()...)
		}
		accessToken, err = s.serializer.SerializeAccessToken(ta)
		if err != nil {
			s.logger.Error("failed to serialize the access token", "error", err)
			h.redirectError(redirectURI, responseMode, msg.State(),
				provider.NewError(provider.ErrServerError, "failed to serialize the access token"))
			return err
		}
		params.Add(message.ParamAccessToken, accessToken)
		params.Add(message.ParamTokenType, "Bearer")
		// The advertised lifetime follows the actual ticket window, which
		// the host may have set tighter than the configured default.
		if expiresIn := ta.Properties.ExpiresAt.Sub(now).Round(time.Second); expiresIn > 0 {
			params.Add(message.ParamExpiresIn, strconv.FormatInt(int64(expiresIn/time.Second), 10))
		}
	}

	if msg.HasResponseType("id_token") {
		ti := base.Copy()
		applyWindow(ti, now, s.opts.IdentityTokenLifetime)
		if len(ti.Audiences()) == 0 {
			ti.SetAudiences(msg.ClientID())
		}
		idToken, err := s.serializer.SerializeIdentityToken(ti, code, accessToken)
		if err != nil {
			s.logger.Error("failed to serialize the identity token", "error", err)
			h.redirectError(redirectURI, responseMode, msg.State(),
				provider.NewError(provider.ErrServerError, "failed to serialize the identity token"))
			return err
		}
		params.Add(message.ParamIDToken, idToken)
	}

	params.Add(message.ParamState, msg.State())

	responseCtx := &provider.ResponseContext{
		Context:              newNotificationContext(state.writer, r, state.items),
		Endpoint:             provider.EndpointAuthorization,
		Message:              msg,
		Ticket:               t,
		AdditionalParameters: make(map[string]string),
	}
	if err := s.opts.Provider.AuthorizationEndpointResponse(r.Context(), responseCtx); err != nil {
		return fmt.Errorf("oidcserver: authorization response notification: %w", err)
	}
	for name, value := range responseCtx.AdditionalParameters {
		// The redirect destination itself is never echoed as a parameter.
		if name == message.ParamRedirectURI {
			continue
		}
		params.Add(name, value)
	}

	// The continuation has served its purpose; drop it so the login UI
	// cannot replay the request.
	if id := msg.UniqueID(); id != "" {
		if err := s.opts.Cache.Remove(r.Context(), continuationKeyPrefix+id); err != nil {
			s.logger.Warn("failed to remove the request continuation", "error", err)
		}
	}

	if responseCtx.IsHandled() {
		return nil
	}

	switch responseMode {
	case render.ModeFormPost:
		return render.FormPost(state.writer, redirectURI, params)
	case render.ModeFragment:
		render.Fragment(state.writer, r, redirectURI, params)
	default:
		render.Query(state.writer, r, redirectURI, params)
	}
	return nil
}

// SignOut completes a pending logout request: the provider may rewrite the
// response; otherwise, when a validated post_logout_redirect_uri is
// present, the remaining request parameters are appended to it as a query
// string and the user agent is redirected.
func (s *Server) SignOut(w http.ResponseWriter, r *http.Request) error {
	state := requestStateFromContext(r.Context())
	if state == nil || state.endpoint != provider.EndpointLogout || state.message == nil {
		return ErrNoPendingRequest
	}
	if state.writer.wroteHeader {
		s.logger.Error("cannot complete sign-out: the response has already started",
			"level", "critical",
		)
		return ErrResponseStarted
	}

	msg := state.message
	responseCtx := &provider.ResponseContext{
		Context:              newNotificationContext(state.writer, r, state.items),
		Endpoint:             provider.EndpointLogout,
		Message:              msg,
		AdditionalParameters: make(map[string]string),
	}
	if err := s.opts.Provider.LogoutEndpointResponse(r.Context(), responseCtx); err != nil {
		return fmt.Errorf("oidcserver: logout response notification: %w", err)
	}
	if responseCtx.IsHandled() {
		return nil
	}

	if state.postLogoutRedirectURI == "" {
		state.writer.WriteHeader(http.StatusOK)
		return nil
	}

	location := state.postLogoutRedirectURI
	separator := "?"
	for _, name := range msg.Keys() {
		if name == message.ParamPostLogoutRedirectURI {
			continue
		}
		location += separator + url.QueryEscape(name) + "=" + url.QueryEscape(msg.Get(name))
		separator = "&"
	}
	for name, value := range responseCtx.AdditionalParameters {
		location += separator + url.QueryEscape(name) + "=" + url.QueryEscape(value)
		separator = "&"
	}
	http.Redirect(state.writer, r, location, http.StatusFound)
	return nil
}

// seedTicketFromMessage copies protocol context from the authorization
// request into the ticket item bag for keys the host did not set.
func seedTicketFromMessage(t *ticket.Ticket, msg *message.Message) {
	seed := map[string]string{
		ticket.PropertyClientID:    msg.ClientID(),
		ticket.PropertyRedirectURI: msg.RedirectURI(),
		ticket.PropertyResource:    msg.Resource(),
		ticket.PropertyScope:       msg.Scope(),
		ticket.PropertyNonce:       msg.Nonce(),
	}
	for key, value := range seed {
		if value == "" {
			continue
		}
		if t.GetItem(key) == "" {
			t.SetItem(key, value)
		}
	}
}

// applyWindow stamps the validity window for a token about to be issued,
// keeping values the grant or the host set explicitly.
func applyWindow(t *ticket.Ticket, now time.Time, lifetime time.Duration) {
	if t.Properties.IssuedAt.IsZero() {
		t.Properties.IssuedAt = now
	}
	if t.Properties.ExpiresAt.IsZero() {
		t.Properties.ExpiresAt = t.Properties.IssuedAt.Add(lifetime)
	}
}
