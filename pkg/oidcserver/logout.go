// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
)

// handleLogout processes the logout endpoint: validate the post-logout
// destination, then hand the request to the host's logout UI, which resumes
// through SignOut.
func (h *handler) handleLogout() {
	if err := h.requireHTTPS(); err != nil {
		h.nativePageError(err)
		return
	}

	msg, err := message.Decode(h.request, message.LogoutRequest)
	if err != nil {
		h.nativePageError(provider.NewError(provider.ErrInvalidRequest,
			"the logout request could not be parsed"))
		return
	}
	h.state.message = msg

	// The destination only takes effect when the host recognizes it as a
	// registered post-logout redirect URI.
	if destination := msg.PostLogoutRedirectURI(); destination != "" {
		logoutCtx := &provider.ValidateClientLogoutRedirectURIContext{
			ValidatingContext:     provider.ValidatingContext{Context: h.notification()},
			PostLogoutRedirectURI: destination,
		}
		if err := h.srv.opts.Provider.ValidateClientLogoutRedirectURI(h.ctx(), logoutCtx); err != nil {
			h.serverError("logout redirect validation notification failed", h.nativePageError)
			return
		}
		if logoutCtx.IsHandled() {
			return
		}
		if logoutCtx.IsValidated() {
			h.state.postLogoutRedirectURI = destination
		}
	}

	endpointCtx := &provider.EndpointContext{
		Context:  h.notification(),
		Endpoint: provider.EndpointLogout,
		Message:  msg,
	}
	if err := h.srv.opts.Provider.LogoutEndpoint(h.ctx(), endpointCtx); err != nil {
		h.serverError("logout endpoint notification failed", h.nativePageError)
		return
	}
	if endpointCtx.IsHandled() {
		return
	}

	// The host's logout UI takes over and resumes through SignOut.
	h.next.ServeHTTP(h.writer, h.request)
}
