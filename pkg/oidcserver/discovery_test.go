// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
)

func getJSON(t *testing.T, ts *testServer, path string) (int, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	if w.Code != http.StatusOK {
		return w.Code, nil
	}
	return w.Code, decodeJSON(t, w)
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)
	code, payload := getJSON(t, ts, DefaultConfigurationEndpointPath)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, testIssuer, payload["issuer"])
	assert.Equal(t, testIssuer+DefaultAuthorizationEndpointPath, payload["authorization_endpoint"])
	assert.Equal(t, testIssuer+DefaultTokenEndpointPath, payload["token_endpoint"])
	assert.Equal(t, testIssuer+DefaultValidationEndpointPath, payload["introspection_endpoint"])
	assert.Equal(t, testIssuer+DefaultProfileEndpointPath, payload["userinfo_endpoint"])
	assert.Equal(t, testIssuer+DefaultLogoutEndpointPath, payload["end_session_endpoint"])
	assert.Equal(t, testIssuer+DefaultCryptographyEndpointPath, payload["jwks_uri"])

	assert.Equal(t, []any{"public"}, payload["subject_types_supported"])
	assert.Equal(t, []any{"RS256"}, payload["id_token_signing_alg_values_supported"])
	assert.Equal(t, []any{"form_post", "fragment", "query"}, payload["response_modes_supported"])

	assert.Equal(t,
		[]any{"implicit", "authorization_code", "refresh_token", "password", "client_credentials"},
		payload["grant_types_supported"])
	assert.Contains(t, payload["response_types_supported"], "code id_token token")
}

func TestDiscoveryWithoutTokenEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.TokenEndpointPath = ""
	})
	code, payload := getJSON(t, ts, DefaultConfigurationEndpointPath)
	require.Equal(t, http.StatusOK, code)

	assert.NotContains(t, payload, "token_endpoint")
	assert.Equal(t, []any{"implicit"}, payload["grant_types_supported"])
	assert.Equal(t,
		[]any{"none", "token", "id_token", "id_token token"},
		payload["response_types_supported"])
}

func TestDiscoveryRejectsPost(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("POST", DefaultConfigurationEndpointPath, nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeJSON(t, w)["error"])
}

func TestDiscoveryAndJWKSRequireHTTPS(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.AllowInsecureHTTP = false
	})

	for _, path := range []string{DefaultConfigurationEndpointPath, DefaultCryptographyEndpointPath} {
		w := httptest.NewRecorder()
		ts.srv.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "invalid_request", decodeJSON(t, w)["error"], path)
	}
}

func TestDiscoveryResponseHook(t *testing.T) {
	t.Parallel()

	p := newTestProvider()
	p.configurationEndpointResponse = func(c *provider.ResponseContext) {
		c.Payload["claims_parameter_supported"] = false
	}
	ts := newTestServer(t, p, nil)

	code, payload := getJSON(t, ts, DefaultConfigurationEndpointPath)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, payload["claims_parameter_supported"])
}

func TestJWKSDocument(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)
	code, payload := getJSON(t, ts, DefaultCryptographyEndpointPath)
	require.Equal(t, http.StatusOK, code)

	rawKeys, ok := payload["keys"].([]any)
	require.True(t, ok)
	require.Len(t, rawKeys, 1)

	key, ok := rawKeys[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-key", key["kid"])
	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, "sig", key["use"])
	assert.Equal(t, "RS256", key["alg"])
	assert.NotEmpty(t, key["n"])
	assert.NotEmpty(t, key["e"])

	// Private material never leaves the server.
	assert.NotContains(t, key, "d")
	assert.NotContains(t, key, "p")
}

func TestJWKSWithoutCredentials(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.SigningCredentials = []keys.SigningCredential{}
	})
	code, payload := getJSON(t, ts, DefaultCryptographyEndpointPath)
	require.Equal(t, http.StatusOK, code)

	rawKeys, ok := payload["keys"].([]any)
	require.True(t, ok)
	assert.Empty(t, rawKeys)
}

func TestJWKSRejectsPost(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("POST", DefaultCryptographyEndpointPath, nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
