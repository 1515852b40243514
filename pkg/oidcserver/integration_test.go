// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
)

// TestAuthorizationCodeFlowEndToEnd drives a complete authorization code
// flow with stock OAuth2 and OIDC client libraries against a live server:
// discovery, authorization, code exchange, ID token verification and the
// userinfo endpoint.
func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	t.Parallel()

	// The issuer is only known once the listener is up, so the handler is
	// swapped in afterwards.
	var handler http.Handler
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(front.Close)

	memory := cache.NewMemoryCache()
	t.Cleanup(func() { memory.Close() })

	opts := DefaultOptions()
	opts.Issuer = front.URL
	opts.AllowInsecureHTTP = true
	opts.Provider = newTestProvider()
	opts.Cache = memory
	opts.SigningCredentials = []keys.SigningCredential{testCredential(t)}
	opts.DataFormatSecret = []byte("0123456789abcdef0123456789abcdef")

	srv, err := New(opts)
	require.NoError(t, err)

	// The host's login page signs everyone in as alice without a prompt.
	handler = srv.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, srv.SignIn(w, r, newSignedInTicket()))
	}))

	ctx := oidc.ClientContext(context.Background(), front.Client())

	oidcProvider, err := oidc.NewProvider(ctx, front.URL)
	require.NoError(t, err)

	conf := oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: testClientKey,
		Endpoint:     oidcProvider.Endpoint(),
		RedirectURL:  testRedirectURI,
		Scopes:       []string{oidc.ScopeOpenID, "profile"},
	}

	// Step 1: the authorization request. Redirects to the client callback
	// are not followed; the code travels in the Location header.
	agent := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := agent.Get(conf.AuthCodeURL("af0ifjsldkj"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "af0ifjsldkj", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Step 2: the code exchange.
	tok, err := conf.Exchange(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	require.NotEmpty(t, tok.AccessToken)

	// Step 3: the ID token checks out against the published JWKS.
	rawIDToken, ok := tok.Extra("id_token").(string)
	require.True(t, ok)

	verifier := oidcProvider.Verifier(&oidc.Config{ClientID: testClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", idToken.Subject)
	assert.Equal(t, front.URL, idToken.Issuer)
	require.NoError(t, idToken.VerifyAccessToken(tok.AccessToken))

	// Step 4: the userinfo endpoint accepts the access token.
	userInfo, err := oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, "alice", userInfo.Subject)

	// The code was consumed by the exchange.
	_, err = conf.Exchange(ctx, code)
	require.Error(t, err)
}
