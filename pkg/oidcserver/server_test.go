// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// fakeProvider overrides individual notifications through function fields,
// defaulting to the pass-through Base behavior.
type fakeProvider struct {
	provider.Base

	matchEndpoint                   func(*provider.MatchEndpointContext)
	validateClientRedirectURI       func(*provider.ValidateClientRedirectURIContext)
	validateClientLogoutRedirectURI func(*provider.ValidateClientLogoutRedirectURIContext)
	validateClientAuthentication    func(*provider.ValidateClientAuthenticationContext)
	validateAuthorizationRequest    func(*provider.ValidateAuthorizationRequestContext)
	validateTokenRequest            func(*provider.ValidateTokenRequestContext)
	grantAuthorizationCode          func(*provider.GrantContext)
	grantRefreshToken               func(*provider.GrantContext)
	grantResourceOwnerCredentials   func(*provider.GrantContext)
	grantClientCredentials          func(*provider.GrantContext)
	grantCustomExtension            func(*provider.GrantCustomExtensionContext)
	authorizationEndpoint           func(*provider.EndpointContext)
	authorizationEndpointResponse   func(*provider.ResponseContext)
	tokenEndpointResponse           func(*provider.ResponseContext)
	validationEndpointResponse      func(*provider.ResponseContext)
	profileEndpointResponse         func(*provider.ResponseContext)
	logoutEndpoint                  func(*provider.EndpointContext)
	logoutEndpointResponse          func(*provider.ResponseContext)
	configurationEndpointResponse   func(*provider.ResponseContext)
}

func (p *fakeProvider) MatchEndpoint(_ context.Context, c *provider.MatchEndpointContext) error {
	if p.matchEndpoint != nil {
		p.matchEndpoint(c)
	}
	return nil
}

func (p *fakeProvider) ValidateClientRedirectURI(_ context.Context, c *provider.ValidateClientRedirectURIContext) error {
	if p.validateClientRedirectURI != nil {
		p.validateClientRedirectURI(c)
	}
	return nil
}

func (p *fakeProvider) ValidateClientLogoutRedirectURI(_ context.Context, c *provider.ValidateClientLogoutRedirectURIContext) error {
	if p.validateClientLogoutRedirectURI != nil {
		p.validateClientLogoutRedirectURI(c)
	}
	return nil
}

func (p *fakeProvider) ValidateClientAuthentication(_ context.Context, c *provider.ValidateClientAuthenticationContext) error {
	if p.validateClientAuthentication != nil {
		p.validateClientAuthentication(c)
	}
	return nil
}

func (p *fakeProvider) ValidateAuthorizationRequest(_ context.Context, c *provider.ValidateAuthorizationRequestContext) error {
	if p.validateAuthorizationRequest != nil {
		p.validateAuthorizationRequest(c)
	}
	return nil
}

func (p *fakeProvider) ValidateTokenRequest(_ context.Context, c *provider.ValidateTokenRequestContext) error {
	if p.validateTokenRequest != nil {
		p.validateTokenRequest(c)
	}
	return nil
}

func (p *fakeProvider) GrantAuthorizationCode(_ context.Context, c *provider.GrantContext) error {
	if p.grantAuthorizationCode != nil {
		p.grantAuthorizationCode(c)
	}
	return nil
}

func (p *fakeProvider) GrantRefreshToken(_ context.Context, c *provider.GrantContext) error {
	if p.grantRefreshToken != nil {
		p.grantRefreshToken(c)
	}
	return nil
}

func (p *fakeProvider) GrantResourceOwnerCredentials(_ context.Context, c *provider.GrantContext) error {
	if p.grantResourceOwnerCredentials != nil {
		p.grantResourceOwnerCredentials(c)
	}
	return nil
}

func (p *fakeProvider) GrantClientCredentials(_ context.Context, c *provider.GrantContext) error {
	if p.grantClientCredentials != nil {
		p.grantClientCredentials(c)
	}
	return nil
}

func (p *fakeProvider) GrantCustomExtension(_ context.Context, c *provider.GrantCustomExtensionContext) error {
	if p.grantCustomExtension != nil {
		p.grantCustomExtension(c)
	}
	return nil
}

func (p *fakeProvider) AuthorizationEndpoint(_ context.Context, c *provider.EndpointContext) error {
	if p.authorizationEndpoint != nil {
		p.authorizationEndpoint(c)
	}
	return nil
}

func (p *fakeProvider) AuthorizationEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.authorizationEndpointResponse != nil {
		p.authorizationEndpointResponse(c)
	}
	return nil
}

func (p *fakeProvider) TokenEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.tokenEndpointResponse != nil {
		p.tokenEndpointResponse(c)
	}
	return nil
}

func (p *fakeProvider) ValidationEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.validationEndpointResponse != nil {
		p.validationEndpointResponse(c)
	}
	return nil
}

func (p *fakeProvider) ProfileEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.profileEndpointResponse != nil {
		p.profileEndpointResponse(c)
	}
	return nil
}

func (p *fakeProvider) LogoutEndpoint(_ context.Context, c *provider.EndpointContext) error {
	if p.logoutEndpoint != nil {
		p.logoutEndpoint(c)
	}
	return nil
}

func (p *fakeProvider) LogoutEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.logoutEndpointResponse != nil {
		p.logoutEndpointResponse(c)
	}
	return nil
}

func (p *fakeProvider) ConfigurationEndpointResponse(_ context.Context, c *provider.ResponseContext) error {
	if p.configurationEndpointResponse != nil {
		p.configurationEndpointResponse(c)
	}
	return nil
}

// Test client registration shared across the endpoint tests.
const (
	testClientID    = "app"
	testClientKey   = "s3cret"
	testRedirectURI = "https://client.example.com/cb"
	testIssuer      = "https://op.example.com"
)

// newTestProvider returns a provider recognizing the test client.
func newTestProvider() *fakeProvider {
	return &fakeProvider{
		validateClientRedirectURI: func(c *provider.ValidateClientRedirectURIContext) {
			if c.ClientID != testClientID {
				c.Reject(provider.NewError(provider.ErrInvalidClient, "unknown client"))
				return
			}
			if c.RedirectURI == "" {
				c.RedirectURI = testRedirectURI
			}
			if c.RedirectURI != testRedirectURI {
				c.Reject(provider.NewError(provider.ErrInvalidClient, "unregistered redirect_uri"))
				return
			}
			c.Validate()
		},
		validateClientAuthentication: func(c *provider.ValidateClientAuthenticationContext) {
			if c.ClientID == testClientID && c.ClientSecret == testClientKey {
				c.Validate()
			}
		},
	}
}

var (
	testSigningKey     *rsa.PrivateKey
	testSigningKeyOnce sync.Once
)

func testCredential(t *testing.T) keys.SigningCredential {
	t.Helper()

	testSigningKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testSigningKey = key
	})
	return keys.SigningCredential{KeyID: "test-key", Algorithm: "RS256", Key: testSigningKey}
}

// fixedClock pins the server's view of time.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	srv   *Server
	cache *cache.MemoryCache
	clock *fixedClock
}

func newTestServer(t *testing.T, p provider.Provider, mutate func(*Options)) *testServer {
	t.Helper()

	clock := newFixedClock()
	c := cache.NewMemoryCacheWithClock(clock)
	t.Cleanup(func() { c.Close() })

	opts := DefaultOptions()
	opts.Issuer = testIssuer
	opts.AllowInsecureHTTP = true
	opts.Provider = p
	opts.Cache = c
	opts.Clock = clock
	opts.SigningCredentials = []keys.SigningCredential{testCredential(t)}
	opts.DataFormatSecret = []byte("0123456789abcdef0123456789abcdef")
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	return &testServer{srv: srv, cache: c, clock: clock}
}

// newSignedInTicket returns an authenticated ticket for the test subject.
func newSignedInTicket(scopes ...string) *ticket.Ticket {
	tk := ticket.New(ticket.NewPrincipal(
		ticket.Claim{Type: ticket.ClaimSubject, Value: "alice"},
	), "Bearer")
	tk.SetItem(ticket.PropertyClientID, testClientID)
	if len(scopes) > 0 {
		tk.SetScopes(scopes...)
	}
	return tk
}

func postForm(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func TestServeUnmatchedPathFallsThrough(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, httptest.NewRequest("GET", "/some/other/page", nil))

	assert.True(t, reached)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestServeWithoutNextReturns404(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMatchEndpointOverride(t *testing.T) {
	t.Parallel()

	p := newTestProvider()
	p.matchEndpoint = func(c *provider.MatchEndpointContext) {
		if c.Request.URL.Path == "/custom/jwks" {
			c.Endpoint = provider.EndpointCryptography
		}
	}
	ts := newTestServer(t, p, nil)

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("GET", "/custom/jwks", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	payload := decodeJSON(t, w)
	assert.Contains(t, payload, "keys")
}

func TestMatchEndpointSkip(t *testing.T) {
	t.Parallel()

	p := newTestProvider()
	p.matchEndpoint = func(c *provider.MatchEndpointContext) {
		c.SkipToNextMiddleware()
	}
	ts := newTestServer(t, p, nil)

	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { reached = true })

	w := httptest.NewRecorder()
	ts.srv.Handler(next).ServeHTTP(w, httptest.NewRequest("GET", DefaultCryptographyEndpointPath, nil))
	assert.True(t, reached)
}

func TestDisabledEndpointNotMatched(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.ValidationEndpointPath = ""
	})

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, httptest.NewRequest("GET", DefaultValidationEndpointPath, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPSRequired(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.AllowInsecureHTTP = false
	})

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, postForm(DefaultTokenEndpointPath, url.Values{"grant_type": {"password"}}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeJSON(t, w)
	assert.Equal(t, "invalid_request", payload["error"])
}

func TestForwardedProtoCountsAsSecure(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newTestProvider(), func(o *Options) {
		o.AllowInsecureHTTP = false
	})

	r := httptest.NewRequest("GET", DefaultConfigurationEndpointPath, nil)
	r.Header.Set("X-Forwarded-Proto", "https")

	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
