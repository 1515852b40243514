// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"encoding/base64"
	"errors"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
)

// nativeErrorDescription is the shared description of the native error page
// for both malformed authorization requests and expired continuations.
const nativeErrorDescription = "the authorization request was not found in the cache or the timeout expired"

// responseTypeFlows are the response_type combinations of OIDC Core §3 and
// the Multiple Response Types specification, in canonical order.
var responseTypeFlows = map[string]bool{
	"none":                true,
	"code":                true,
	"token":               true,
	"id_token":            true,
	"code token":          true,
	"code id_token":       true,
	"id_token token":      true,
	"code id_token token": true,
}

// handleAuthorization processes the authorization endpoint: decode (with
// continuation overlay), validate, persist the continuation, then hand the
// request to the host's login UI unless a hook produced the response.
func (h *handler) handleAuthorization() {
	if err := h.requireHTTPS(); err != nil {
		h.nativePageError(err)
		return
	}

	msg, err := message.Decode(h.request, message.AuthenticationRequest)
	if err != nil {
		h.nativePageError(provider.NewError(provider.ErrInvalidRequest, nativeErrorDescription))
		return
	}

	// A unique_id restores the original request from the continuation
	// cache; live parameters win over the stored copy.
	if msg.Has(message.ParamUniqueID) {
		blob, err := h.srv.opts.Cache.Get(h.ctx(), continuationKeyPrefix+msg.UniqueID())
		if errors.Is(err, cache.ErrNotFound) {
			h.nativePageError(provider.NewError(provider.ErrInvalidRequest, nativeErrorDescription))
			return
		}
		if err != nil {
			h.serverError("failed to load the authorization request from the cache", h.nativePageError)
			return
		}
		if err := msg.UnmarshalBinary(blob); err != nil {
			h.nativePageError(provider.NewError(provider.ErrInvalidRequest, nativeErrorDescription))
			return
		}
	}
	h.state.message = msg

	if msg.ClientID() == "" {
		h.nativePageError(provider.NewError(provider.ErrInvalidRequest,
			"client_id was missing from the request"))
		return
	}

	redirectURI := msg.RedirectURI()
	if redirectURI == "" && msg.HasScope("openid") {
		h.nativePageError(provider.NewError(provider.ErrInvalidRequest,
			"redirect_uri is required for OpenID Connect requests"))
		return
	}
	if redirectURI != "" {
		if err := h.validateRedirectURI(redirectURI); err != nil {
			h.nativePageError(err)
			return
		}
	}

	clientCtx := &provider.ValidateClientRedirectURIContext{
		ValidatingContext: provider.ValidatingContext{Context: h.notification()},
		ClientID:          msg.ClientID(),
		RedirectURI:       redirectURI,
	}
	if err := h.srv.opts.Provider.ValidateClientRedirectURI(h.ctx(), clientCtx); err != nil {
		h.serverError("client validation notification failed", h.nativePageError)
		return
	}
	if clientCtx.IsHandled() {
		return
	}
	if !clientCtx.IsValidated() {
		rejection := clientCtx.RejectionError()
		if rejection == nil {
			rejection = provider.NewError(provider.ErrInvalidClient,
				"the client application was not recognized")
		}
		h.nativePageError(rejection)
		return
	}
	// The host may substitute the registered redirect_uri when the request
	// omitted it.
	if clientCtx.RedirectURI != "" {
		redirectURI = clientCtx.RedirectURI
	}

	// From this point the redirect_uri is trusted: errors travel back to
	// the client instead of rendering the native page.
	responseMode, modeErr := negotiateResponseMode(msg)

	fail := func(err *provider.Error) {
		if redirectURI == "" {
			h.nativePageError(err)
			return
		}
		h.redirectError(redirectURI, responseMode, msg.State(), err)
	}

	if msg.Has(message.ParamRequest) {
		fail(provider.NewError(provider.ErrRequestNotSupported,
			"the request parameter is not supported"))
		return
	}
	if msg.Has(message.ParamRequestURI) {
		fail(provider.NewError(provider.ErrRequestURINotSupported,
			"the request_uri parameter is not supported"))
		return
	}

	responseType := msg.ResponseType()
	if responseType == "" {
		fail(provider.NewError(provider.ErrInvalidRequest,
			"response_type was missing from the request"))
		return
	}
	if !knownResponseType(responseType) {
		fail(provider.NewError(provider.ErrUnsupportedResponseType,
			"the requested response_type is not supported"))
		return
	}
	if modeErr != nil {
		fail(modeErr)
		return
	}
	if responseMode == render.ModeQuery && (msg.HasResponseType("id_token") || msg.HasResponseType("token")) {
		fail(provider.NewError(provider.ErrInvalidRequest,
			"the query response_mode cannot carry tokens"))
		return
	}
	if msg.HasScope("openid") && implicitOrHybrid(msg) && msg.Nonce() == "" {
		fail(provider.NewError(provider.ErrInvalidRequest,
			"nonce is required for implicit and hybrid flows"))
		return
	}
	if msg.HasResponseType("id_token") && !msg.HasScope("openid") {
		fail(provider.NewError(provider.ErrInvalidRequest,
			"the openid scope is required to issue an id_token"))
		return
	}
	if msg.HasResponseType("code") && h.srv.opts.TokenEndpointPath == "" {
		fail(provider.NewError(provider.ErrUnsupportedResponseType,
			"the authorization code flow requires the token endpoint"))
		return
	}

	requestCtx := &provider.ValidateAuthorizationRequestContext{
		ValidatingContext: provider.ValidatingContext{Context: h.notification()},
		Message:           msg,
	}
	if err := h.srv.opts.Provider.ValidateAuthorizationRequest(h.ctx(), requestCtx); err != nil {
		h.serverError("authorization request validation notification failed", h.nativePageError)
		return
	}
	if requestCtx.IsHandled() {
		return
	}
	if requestCtx.IsRejected() {
		fail(requestCtx.RejectionError())
		return
	}

	// Keep the normalized redirect_uri on the message so SignIn and the
	// continuation copy see the value that was validated.
	msg.Set(message.ParamRedirectURI, redirectURI)

	if !msg.Has(message.ParamUniqueID) {
		id := make([]byte, uniqueIDSize)
		if err := h.srv.opts.Rand.Fill(id); err != nil {
			h.serverError("failed to generate the request identifier", fail)
			return
		}
		msg.Set(message.ParamUniqueID, base64.RawURLEncoding.EncodeToString(id))

		blob, err := msg.MarshalBinary()
		if err != nil {
			h.serverError("failed to serialize the authorization request", fail)
			return
		}
		expiresAt := h.srv.opts.Clock.Now().Add(continuationTTL)
		if err := h.srv.opts.Cache.Set(h.ctx(), continuationKeyPrefix+msg.UniqueID(), blob, expiresAt); err != nil {
			h.serverError("failed to persist the authorization request", fail)
			return
		}
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointAuthorization,
		Message:  msg,
	}
	if err := h.srv.opts.Provider.AuthorizationEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("authorization endpoint notification failed", fail)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	// Default processing: the host's login UI takes over; it resumes the
	// request through SignIn, locating it by unique_id.
	h.next.ServeHTTP(h.writer, h.request)
}

// validateRedirectURI checks the structural redirect_uri rules: absolute,
// fragment-free, and HTTPS unless insecure transports are allowed.
func (h *handler) validateRedirectURI(redirectURI string) *provider.Error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return provider.NewError(provider.ErrInvalidRequest,
			"redirect_uri must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return provider.NewError(provider.ErrInvalidRequest,
			"redirect_uri must not contain a fragment")
	}
	if parsed.Scheme != "https" && !h.srv.opts.AllowInsecureHTTP {
		return provider.NewError(provider.ErrInvalidRequest,
			"redirect_uri must use the https scheme")
	}
	return nil
}

// negotiateResponseMode resolves the effective response mode, defaulting to
// fragment for implicit and hybrid flows and query otherwise.
func negotiateResponseMode(msg *message.Message) (string, *provider.Error) {
	switch mode := msg.ResponseMode(); mode {
	case render.ModeQuery, render.ModeFragment, render.ModeFormPost:
		return mode, nil
	case "":
		if implicitOrHybrid(msg) {
			return render.ModeFragment, nil
		}
		return render.ModeQuery, nil
	default:
		return render.ModeQuery, provider.NewError(provider.ErrInvalidRequest,
			"the requested response_mode is not supported")
	}
}

func implicitOrHybrid(msg *message.Message) bool {
	return msg.HasResponseType("token") || msg.HasResponseType("id_token")
}

func knownResponseType(responseType string) bool {
	parts := strings.Fields(responseType)
	if len(parts) == 0 {
		return false
	}
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		if seen[part] {
			return false
		}
		seen[part] = true
	}
	return responseTypeFlows[canonicalResponseType(parts)]
}

// canonicalResponseType joins the response_type values in the order the
// flow table uses: code, id_token, token, with none standing alone.
func canonicalResponseType(parts []string) string {
	ordered := make([]string, 0, len(parts))
	for _, want := range []string{"none", "code", "id_token", "token"} {
		if slices.Contains(parts, want) {
			ordered = append(ordered, want)
		}
	}
	return strings.Join(ordered, " ")
}
