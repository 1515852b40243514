// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/render"
)

// handler owns the processing of one protocol request: the request and
// response pair, the routed endpoint, and the shared request state.
type handler struct {
	srv      *Server
	writer   *responseWriter
	request  *http.Request
	next     http.Handler
	state    *requestState
	endpoint provider.Endpoint
}

func (h *handler) ctx() context.Context { return h.request.Context() }

func (h *handler) notification() provider.Context {
	return newNotificationContext(h.writer, h.request, h.state.items)
}

// checkHTTPS enforces the transport requirement. The caller picks the error
// shape for its endpoint.
func (h *handler) requireHTTPS() *provider.Error {
	if h.srv.opts.AllowInsecureHTTP || isSecure(h.request) {
		return nil
	}
	return provider.NewError(provider.ErrInvalidRequest,
		"this server only accepts HTTPS requests")
}

// nativePageError renders the plain-text authorization error page, or, when
// the host displays its own error pages, stashes the error and passes the
// request through.
func (h *handler) nativePageError(err *provider.Error) {
	h.srv.metrics.observeError(h.endpoint, err.Code)
	h.srv.logger.Debug("rendering native error page",
		"endpoint", endpointName(h.endpoint),
		"error", err.Code,
		"error_description", err.Description,
	)

	if h.srv.opts.ApplicationCanDisplayErrors && h.next != nil {
		h.state.err = err
		r := h.request.WithContext(context.WithValue(h.ctx(), errorContextKey, err))
		h.next.ServeHTTP(h.writer, r)
		return
	}

	params := &render.Params{}
	params.Add(message.ParamError, err.Code)
	params.Add(message.ParamErrorDescription, err.Description)
	params.Add(message.ParamErrorURI, err.URI)
	render.PlainPage(h.writer, http.StatusBadRequest, params)
}

// redirectError sends a post-validation authorization error back to the
// client through the negotiated response mode, preserving state.
func (h *handler) redirectError(redirectURI, responseMode, state string, err *provider.Error) {
	h.srv.metrics.observeError(h.endpoint, err.Code)
	h.srv.logger.Debug("redirecting protocol error",
		"endpoint", endpointName(h.endpoint),
		"error", err.Code,
		"error_description", err.Description,
	)

	params := &render.Params{}
	params.Add(message.ParamError, err.Code)
	params.Add(message.ParamErrorDescription, err.Description)
	params.Add(message.ParamErrorURI, err.URI)
	params.Add(message.ParamState, state)

	switch responseMode {
	case render.ModeFormPost:
		if err := render.FormPost(h.writer, redirectURI, params); err != nil {
			h.srv.logger.Error("failed to render form_post error", "error", err)
		}
	case render.ModeFragment:
		render.Fragment(h.writer, h.request, redirectURI, params)
	default:
		render.Query(h.writer, h.request, redirectURI, params)
	}
}

// jsonError writes the JSON protocol error shape used by the token,
// introspection, userinfo and discovery endpoints.
func (h *handler) jsonError(status int, err *provider.Error) {
	h.srv.metrics.observeError(h.endpoint, err.Code)
	h.srv.logger.Debug("returning protocol error",
		"endpoint", endpointName(h.endpoint),
		"error", err.Code,
		"error_description", err.Description,
	)

	payload := map[string]any{message.ParamError: err.Code}
	if err.Description != "" {
		payload[message.ParamErrorDescription] = err.Description
	}
	if err.URI != "" {
		payload[message.ParamErrorURI] = err.URI
	}
	if writeErr := render.JSON(h.writer, status, payload); writeErr != nil {
		h.srv.logger.Error("failed to write error payload", "error", writeErr)
	}
}

// serverError logs an internal invariant violation and emits server_error
// in the endpoint's shape.
func (h *handler) serverError(description string, shape func(*provider.Error)) {
	h.srv.logger.Error("internal protocol error",
		"endpoint", endpointName(h.endpoint),
		"description", description,
	)
	shape(provider.NewError(provider.ErrServerError, description))
}

// clientCredentials extracts client authentication from the form, falling
// back to the Basic authorization header.
func clientCredentials(m *message.Message, r *http.Request) (clientID, clientSecret string) {
	clientID = m.ClientID()
	clientSecret = m.ClientSecret()
	if clientID != "" || clientSecret != "" {
		return clientID, clientSecret
	}

	auth := r.Header.Get("Authorization")
	scheme, encoded, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ""
	}
	id, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", ""
	}
	return id, secret
}

// authenticateClient runs the client authentication notification and
// returns its context. The outcome starts skipped; hosts validate or
// reject.
func (h *handler) authenticateClient(m *message.Message) (*provider.ValidateClientAuthenticationContext, error) {
	clientID, clientSecret := clientCredentials(m, h.request)
	authCtx := &provider.ValidateClientAuthenticationContext{
		ValidatingContext: provider.ValidatingContext{Context: h.notification()},
		ClientID:          clientID,
		ClientSecret:      clientSecret,
	}
	if err := h.srv.opts.Provider.ValidateClientAuthentication(h.ctx(), authCtx); err != nil {
		return nil, err
	}
	return authCtx, nil
}

// issuer resolves the issuer identifier, deriving it from the request when
// the option is unset.
func (h *handler) issuer() string {
	if h.srv.opts.Issuer != "" {
		return strings.TrimSuffix(h.srv.opts.Issuer, "/")
	}
	scheme := "https"
	if !isSecure(h.request) {
		scheme = "http"
	}
	return scheme + "://" + h.request.Host
}
