// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/oidcserver/message"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
)

func authorizeRequest(params url.Values) *http.Request {
	return httptest.NewRequest("GET", DefaultAuthorizationEndpointPath+"?"+params.Encode(), nil)
}

func validAuthorizeParams() url.Values {
	return url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"af0ifjsldkj"},
	}
}

// loginPage is a stand-in for the host's login UI behind the middleware.
func loginPage() (http.Handler, *bool) {
	reached := new(bool)
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*reached = true
		w.WriteHeader(http.StatusOK)
	}), reached
}

func TestAuthorizationPassesToLoginUI(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)
	next, reached := loginPage()

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	assert.True(t, *reached)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthorizationPersistsContinuation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	var uniqueID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := requestStateFromContext(r.Context())
		require.NotNil(t, state)
		uniqueID = state.message.UniqueID()
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	require.NotEmpty(t, uniqueID)
	_, err := ts.cache.Get(context.Background(), continuationKeyPrefix+uniqueID)
	assert.NoError(t, err)
}

func TestAuthorizationContinuationRestoresRequest(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	var uniqueID string
	capture := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		uniqueID = requestStateFromContext(r.Context()).message.UniqueID()
	})
	w := httptest.NewRecorder()
	ts.srv.Handler(capture).ServeHTTP(w, authorizeRequest(validAuthorizeParams()))
	require.NotEmpty(t, uniqueID)

	// A later request carrying only unique_id restores the full message.
	var restored *message.Message
	resume := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		restored = requestStateFromContext(r.Context()).message
	})
	w = httptest.NewRecorder()
	ts.srv.Handler(resume).ServeHTTP(w, authorizeRequest(url.Values{"unique_id": {uniqueID}}))

	require.NotNil(t, restored)
	assert.Equal(t, testClientID, restored.ClientID())
	assert.Equal(t, "code", restored.ResponseType())
	assert.Equal(t, "af0ifjsldkj", restored.State())
	// The stored identifier is not re-minted.
	assert.Equal(t, uniqueID, restored.UniqueID())
}

func TestRequestFromContext(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	var msg *message.Message
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		msg = RequestFromContext(r.Context())
	})

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	require.NotNil(t, msg)
	assert.Equal(t, testClientID, msg.ClientID())

	// Outside an endpoint flow there is no pending request.
	assert.Nil(t, RequestFromContext(context.Background()))
}

func TestAuthorizationUnknownContinuation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, authorizeRequest(url.Values{"unique_id": {"expired-or-bogus"}}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error: invalid_request")
	assert.Contains(t, w.Body.String(), nativeErrorDescription)
}

func TestAuthorizationNativeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(url.Values)
		want   string
	}{
		{
			name:   "missing client_id",
			mutate: func(v url.Values) { v.Del("client_id") },
			want:   "client_id was missing",
		},
		{
			name: "missing redirect_uri with openid scope",
			mutate: func(v url.Values) {
				v.Del("redirect_uri")
				v.Set("scope", "openid")
			},
			want: "redirect_uri is required",
		},
		{
			name:   "relative redirect_uri",
			mutate: func(v url.Values) { v.Set("redirect_uri", "/cb") },
			want:   "absolute URI",
		},
		{
			name:   "redirect_uri with fragment",
			mutate: func(v url.Values) { v.Set("redirect_uri", "https://client.example.com/cb#frag") },
			want:   "fragment",
		},
		{
			name:   "unknown client",
			mutate: func(v url.Values) { v.Set("client_id", "nope") },
			want:   "unknown client",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, newTestProvider(), nil)

			params := validAuthorizeParams()
			tt.mutate(params)

			w := httptest.NewRecorder()
			ts.srv.ServeHTTP(w, authorizeRequest(params))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestAuthorizationInsecureRedirectURIRequiresOptIn(t *testing.T) {
	t.Parallel()

	params := validAuthorizeParams()
	params.Set("redirect_uri", "http://client.example.com/cb")

	strict := newTestServer(t, newTestProvider(), func(o *Options) {
		// Transport stays open for the test request itself.
		o.AllowInsecureHTTP = false
	})
	r := authorizeRequest(params)
	r.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	strict.srv.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "https scheme")
}

func TestAuthorizationRedirectedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "request object rejected",
			mutate:    func(v url.Values) { v.Set("request", "eyJhbGciOi...") },
			wantError: "request_not_supported",
		},
		{
			name:      "request_uri rejected",
			mutate:    func(v url.Values) { v.Set("request_uri", "https://client.example.com/request.jwt") },
			wantError: "request_uri_not_supported",
		},
		{
			name:      "missing response_type",
			mutate:    func(v url.Values) { v.Del("response_type") },
			wantError: "invalid_request",
		},
		{
			name:      "unknown response_type",
			mutate:    func(v url.Values) { v.Set("response_type", "magic") },
			wantError: "unsupported_response_type",
		},
		{
			name:      "duplicate response_type value",
			mutate:    func(v url.Values) { v.Set("response_type", "code code") },
			wantError: "unsupported_response_type",
		},
		{
			name:      "unknown response_mode",
			mutate:    func(v url.Values) { v.Set("response_mode", "webmessage") },
			wantError: "invalid_request",
		},
		{
			name: "query mode with implicit flow",
			mutate: func(v url.Values) {
				v.Set("response_type", "id_token")
				v.Set("response_mode", "query")
				v.Set("nonce", "n1")
			},
			wantError: "invalid_request",
		},
		{
			name: "implicit without nonce",
			mutate: func(v url.Values) {
				v.Set("response_type", "id_token")
			},
			wantError: "invalid_request",
		},
		{
			name: "id_token without openid scope",
			mutate: func(v url.Values) {
				v.Set("response_type", "id_token token")
				v.Set("scope", "profile")
				v.Set("nonce", "n1")
			},
			wantError: "invalid_request",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, newTestProvider(), nil)

			params := validAuthorizeParams()
			tt.mutate(params)

			w := httptest.NewRecorder()
			ts.srv.ServeHTTP(w, authorizeRequest(params))

			require.Equal(t, http.StatusFound, w.Code)
			location, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "client.example.com", location.Host)

			values := locationParams(t, location)
			assert.Equal(t, tt.wantError, values.Get("error"))
			assert.Equal(t, "af0ifjsldkj", values.Get("state"))
		})
	}
}

func TestAuthorizationCodeFlowRequiresTokenEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.TokenEndpointPath = ""
	})

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "unsupported_response_type", locationParams(t, location).Get("error"))
}

func TestAuthorizationHostRejection(t *testing.T) {
	t.Parallel()

	p := newTestProvider()
	p.validateAuthorizationRequest = func(c *provider.ValidateAuthorizationRequestContext) {
		c.Reject(provider.NewError(provider.ErrUnauthorizedClient, "consent required"))
	}
	ts := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	values := locationParams(t, location)
	assert.Equal(t, "unauthorized_client", values.Get("error"))
	assert.Equal(t, "consent required", values.Get("error_description"))
}

func TestAuthorizationEndpointHookHandlesResponse(t *testing.T) {
	t.Parallel()

	p := newTestProvider()
	p.authorizationEndpoint = func(c *provider.EndpointContext) {
		c.Writer.WriteHeader(http.StatusAccepted)
		c.HandleResponse()
	}
	ts := newTestServer(t, p, nil)
	next, reached := loginPage()

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, authorizeRequest(validAuthorizeParams()))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, *reached)
}

func TestAuthorizationHostErrorPage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.ApplicationCanDisplayErrors = true
	})

	var got *provider.Error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestErrorFromContext(r.Context())
		w.WriteHeader(http.StatusBadRequest)
	})

	params := validAuthorizeParams()
	params.Del("client_id")

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, authorizeRequest(params))

	require.NotNil(t, got)
	assert.Equal(t, provider.ErrInvalidRequest, got.Code)
}

// locationParams merges query and fragment parameters of a redirect target.
func locationParams(t *testing.T, location *url.URL) url.Values {
	t.Helper()

	values := location.Query()
	if location.Fragment != "" {
		fragment, err := url.ParseQuery(location.Fragment)
		require.NoError(t, err)
		for k, v := range fragment {
			values[k] = v
		}
	}
	return values
}
