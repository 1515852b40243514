// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidcserver implements an embeddable OpenID Connect 1.0 / OAuth 2.0
// authorization server middleware. It terminates the protocol endpoints
// (authorization, token, introspection, userinfo, logout, discovery, JWKS),
// issuing and validating bearer tokens on behalf of a host web application.
//
// The host keeps user authentication, client persistence and consent; it
// plugs into the server through the provider.Provider event surface, a
// distributed cache for short-lived blobs, and the signing key set. See the
// provider package for the extension points and cmd/oidcserver for a
// complete host wiring.
package oidcserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/token"
)

// Server is the authorization server middleware. Use Handler to wrap a host
// handler chain, or serve it directly as an http.Handler when no host pages
// sit behind it.
type Server struct {
	opts       Options
	serializer *token.Serializer
	logger     *slog.Logger
	metrics    *endpointMetrics
}

// New validates the options and builds the middleware.
func New(opts Options) (*Server, error) {
	opts, err := opts.validate()
	if err != nil {
		return nil, err
	}

	serializer, err := token.NewSerializer(token.SerializerConfig{
		Cache:                   opts.Cache,
		Rand:                    rngReader{rng: opts.Rand},
		AccessTokenHandler:      opts.AccessTokenHandler,
		IdentityTokenHandler:    opts.IdentityTokenHandler,
		AuthorizationCodeFormat: opts.AuthorizationCodeFormat,
		AccessTokenFormat:       opts.AccessTokenFormat,
		RefreshTokenFormat:      opts.RefreshTokenFormat,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:       opts,
		serializer: serializer,
		logger:     opts.Logger,
		metrics:    newEndpointMetrics(opts.Registerer),
	}, nil
}

// Handler returns the middleware wrapping next. Requests matching no
// protocol endpoint, skipped by the provider, or deferred to the host's
// login UI are passed to next.
func (s *Server) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, next)
	})
}

// ServeHTTP serves the middleware without a downstream handler; unmatched
// requests get a plain 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, http.NotFoundHandler())
}

// Mount registers every enabled endpoint path on a chi router, passing
// non-endpoint methods and unmatched paths to the router's own handling.
func (s *Server) Mount(r chi.Router) {
	for _, path := range s.enabledPaths() {
		r.Handle(path, s)
	}
}

func (s *Server) enabledPaths() []string {
	var paths []string
	for _, p := range []string{
		s.opts.AuthorizationEndpointPath,
		s.opts.TokenEndpointPath,
		s.opts.ValidationEndpointPath,
		s.opts.ProfileEndpointPath,
		s.opts.LogoutEndpointPath,
		s.opts.ConfigurationEndpointPath,
		s.opts.CryptographyEndpointPath,
	} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// matchPath resolves a request path to an endpoint tag by path equality
// against the enabled endpoint paths.
func (s *Server) matchPath(path string) provider.Endpoint {
	switch {
	case s.opts.AuthorizationEndpointPath != "" && path == s.opts.AuthorizationEndpointPath:
		return provider.EndpointAuthorization
	case s.opts.TokenEndpointPath != "" && path == s.opts.TokenEndpointPath:
		return provider.EndpointToken
	case s.opts.ValidationEndpointPath != "" && path == s.opts.ValidationEndpointPath:
		return provider.EndpointValidation
	case s.opts.ProfileEndpointPath != "" && path == s.opts.ProfileEndpointPath:
		return provider.EndpointProfile
	case s.opts.LogoutEndpointPath != "" && path == s.opts.LogoutEndpointPath:
		return provider.EndpointLogout
	case s.opts.ConfigurationEndpointPath != "" && path == s.opts.ConfigurationEndpointPath:
		return provider.EndpointConfiguration
	case s.opts.CryptographyEndpointPath != "" && path == s.opts.CryptographyEndpointPath:
		return provider.EndpointCryptography
	default:
		return provider.EndpointNone
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	items := make(map[string]any)

	matchCtx := &provider.MatchEndpointContext{
		Context:  newNotificationContext(w, r, items),
		Endpoint: s.matchPath(r.URL.Path),
	}
	if err := s.opts.Provider.MatchEndpoint(r.Context(), matchCtx); err != nil {
		s.logger.Error("match endpoint notification failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if matchCtx.IsHandled() {
		return
	}
	if matchCtx.IsSkipped() || matchCtx.Endpoint == provider.EndpointNone {
		next.ServeHTTP(w, r)
		return
	}

	state := &requestState{endpoint: matchCtx.Endpoint, items: items}
	tracked := &responseWriter{ResponseWriter: w}
	state.writer = tracked
	r = r.WithContext(withRequestState(r.Context(), state))

	h := &handler{
		srv:      s,
		writer:   tracked,
		request:  r,
		next:     next,
		state:    state,
		endpoint: matchCtx.Endpoint,
	}

	s.metrics.observeRequest(matchCtx.Endpoint)

	switch matchCtx.Endpoint {
	case provider.EndpointAuthorization:
		h.handleAuthorization()
	case provider.EndpointToken:
		h.handleToken()
	case provider.EndpointValidation:
		h.handleValidation()
	case provider.EndpointProfile:
		h.handleProfile()
	case provider.EndpointLogout:
		h.handleLogout()
	case provider.EndpointConfiguration:
		h.handleConfiguration()
	case provider.EndpointCryptography:
		h.handleCryptography()
	}
}

// isSecure reports whether the request arrived over HTTPS, directly or via
// a terminating proxy.
func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// requestState is the per-request protocol state shared between the
// endpoint handlers and the host-facing SignIn/SignOut surface.
type requestState struct {
	endpoint provider.Endpoint
	items    map[string]any
	writer   *responseWriter

	// message is the decoded protocol message, set once an endpoint
	// decoded the request (with any continuation overlay applied).
	message *message.Message

	// err is the stashed authorization error when the host displays its
	// own error pages.
	err *provider.Error

	// postLogoutRedirectURI is the validated post-logout destination.
	postLogoutRedirectURI string
}

type contextKey int

const (
	stateContextKey contextKey = iota
	errorContextKey
)

func withRequestState(ctx context.Context, state *requestState) context.Context {
	return context.WithValue(ctx, stateContextKey, state)
}

func requestStateFromContext(ctx context.Context) *requestState {
	state, _ := ctx.Value(stateContextKey).(*requestState)
	return state
}

// RequestFromContext returns the decoded protocol message of the pending
// request, or nil outside an endpoint flow. Login pages read the request
// parameters (notably unique_id) from it to resume the flow later.
func RequestFromContext(ctx context.Context) *message.Message {
	if state := requestStateFromContext(ctx); state != nil {
		return state.message
	}
	return nil
}

// RequestErrorFromContext returns the authorization error stashed for the
// host when ApplicationCanDisplayErrors is enabled, or nil.
func RequestErrorFromContext(ctx context.Context) *provider.Error {
	if err, ok := ctx.Value(errorContextKey).(*provider.Error); ok {
		return err
	}
	if state := requestStateFromContext(ctx); state != nil {
		return state.err
	}
	return nil
}

// responseWriter tracks whether the response has started, guarding the
// sign-in and sign-out callbacks against emitting a second response.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func newNotificationContext(w http.ResponseWriter, r *http.Request, items map[string]any) provider.Context {
	return provider.Context{Request: r, Writer: w, Items: items}
}
