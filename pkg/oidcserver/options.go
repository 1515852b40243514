// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/token"
)

// Recommended endpoint paths, applied by DefaultOptions.
const (
	DefaultAuthorizationEndpointPath = "/connect/authorize"
	DefaultTokenEndpointPath         = "/connect/token"
	DefaultValidationEndpointPath    = "/connect/introspect"
	DefaultProfileEndpointPath       = "/connect/userinfo"
	DefaultLogoutEndpointPath        = "/connect/logout"
	DefaultConfigurationEndpointPath = "/.well-known/openid-configuration"
	DefaultCryptographyEndpointPath  = "/.well-known/jwks"
)

// Default token lifetimes, applied when the corresponding option is zero.
const (
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
	DefaultAccessTokenLifetime       = time.Hour
	DefaultIdentityTokenLifetime     = 20 * time.Minute
	DefaultRefreshTokenLifetime      = 14 * 24 * time.Hour
)

// continuationTTL is the lifetime of authorization-request continuation
// entries in the distributed cache.
const continuationTTL = time.Hour

// continuationKeyPrefix namespaces continuation entries in the cache.
const continuationKeyPrefix = "oidc:request:"

// uniqueIDSize is the byte length of minted continuation identifiers.
const uniqueIDSize = 32

// minDataFormatSecret is the minimum length of the symmetric secret backing
// the default opaque token formats.
const minDataFormatSecret = 32

// Clock supplies the current time. Inject a fake in tests; the server never
// reads wall time directly.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, reading wall time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RNG supplies cryptographic randomness. Inject a deterministic source in
// tests; the server never reads global randomness directly.
type RNG interface {
	Fill(b []byte) error
}

// SystemRNG is the production RNG, backed by crypto/rand.
type SystemRNG struct{}

// Fill implements RNG.
func (SystemRNG) Fill(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// rngReader adapts an RNG to io.Reader for the token serializer.
type rngReader struct {
	rng RNG
}

func (r rngReader) Read(p []byte) (int, error) {
	if err := r.rng.Fill(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Options configures the authorization server middleware. Endpoints are
// enabled by setting their path; an empty path disables the endpoint.
// Start from DefaultOptions for the recommended layout.
type Options struct {
	// Issuer is the issuer identifier, included in the iss claim of issued
	// JWTs and in the discovery document. When empty, discovery derives it
	// from the incoming request; JWT handlers require it to be set.
	Issuer string

	// Endpoint paths. Matching is path equality.
	AuthorizationEndpointPath string
	TokenEndpointPath         string
	ValidationEndpointPath    string
	ProfileEndpointPath       string
	LogoutEndpointPath        string
	ConfigurationEndpointPath string
	CryptographyEndpointPath  string

	// AllowInsecureHTTP permits plain HTTP requests. Leave disabled outside
	// development.
	AllowInsecureHTTP bool

	// ApplicationCanDisplayErrors passes authorization errors that cannot
	// be redirected through to the host, which reads them with
	// RequestErrorFromContext and renders its own page.
	ApplicationCanDisplayErrors bool

	// Token lifetimes. Zero values take the package defaults.
	AuthorizationCodeLifetime time.Duration
	AccessTokenLifetime       time.Duration
	IdentityTokenLifetime     time.Duration
	RefreshTokenLifetime      time.Duration

	// UseSlidingExpiration, when disabled, caps tokens minted by a refresh
	// token grant at the refresh token's own expiration. DefaultOptions
	// enables it.
	UseSlidingExpiration bool

	// SigningCredentials is the ordered signing key set. The first
	// credential signs issued JWTs; all exportable credentials appear in
	// the JWKS document.
	SigningCredentials []keys.SigningCredential

	// AccessTokenHandler, when set, issues access tokens as JWTs. When its
	// credential is nil, the first signing credential is used.
	AccessTokenHandler *token.JWTHandler

	// IdentityTokenHandler signs identity tokens. Defaulted from the first
	// signing credential when nil.
	IdentityTokenHandler *token.JWTHandler

	// Opaque token formats. Defaulted from DataFormatSecret when nil.
	AuthorizationCodeFormat token.Format
	AccessTokenFormat       token.Format
	RefreshTokenFormat      token.Format

	// DataFormatSecret derives the default opaque token formats. Must be at
	// least 32 bytes and consistent across replicas.
	DataFormatSecret []byte

	// Provider is the host's event surface. Required.
	Provider provider.Provider

	// Cache stores request continuations and opaque code payloads. Required.
	Cache cache.Cache

	// Clock and Rand default to the system implementations. The cache must
	// judge expirations by the same clock; see cache.NewMemoryCacheWithClock
	// and cache.RedisConfig.Clock.
	Clock Clock
	Rand  RNG

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Registerer receives the endpoint metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// DefaultOptions returns Options with the recommended endpoint paths,
// default lifetimes and sliding expiration enabled. Callers still must set
// Provider, Cache, signing material and the data format secret.
func DefaultOptions() Options {
	return Options{
		AuthorizationEndpointPath: DefaultAuthorizationEndpointPath,
		TokenEndpointPath:         DefaultTokenEndpointPath,
		ValidationEndpointPath:    DefaultValidationEndpointPath,
		ProfileEndpointPath:       DefaultProfileEndpointPath,
		LogoutEndpointPath:        DefaultLogoutEndpointPath,
		ConfigurationEndpointPath: DefaultConfigurationEndpointPath,
		CryptographyEndpointPath:  DefaultCryptographyEndpointPath,
		AuthorizationCodeLifetime: DefaultAuthorizationCodeLifetime,
		AccessTokenLifetime:       DefaultAccessTokenLifetime,
		IdentityTokenLifetime:     DefaultIdentityTokenLifetime,
		RefreshTokenLifetime:      DefaultRefreshTokenLifetime,
		UseSlidingExpiration:      true,
	}
}

// validate applies defaults and checks the configuration, returning the
// normalized options.
func (o Options) validate() (Options, error) {
	if o.Provider == nil {
		return o, errors.New("oidcserver: provider is required")
	}
	if o.Cache == nil {
		return o, errors.New("oidcserver: cache is required")
	}
	if !o.anyEndpointEnabled() {
		return o, errors.New("oidcserver: at least one endpoint path must be set")
	}

	if o.AuthorizationCodeLifetime == 0 {
		o.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if o.AccessTokenLifetime == 0 {
		o.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if o.IdentityTokenLifetime == 0 {
		o.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if o.RefreshTokenLifetime == 0 {
		o.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Rand == nil {
		o.Rand = SystemRNG{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.IdentityTokenHandler == nil && len(o.SigningCredentials) > 0 {
		o.IdentityTokenHandler = &token.JWTHandler{
			Issuer:     o.Issuer,
			Credential: &o.SigningCredentials[0],
		}
	}
	if o.AccessTokenHandler != nil && o.AccessTokenHandler.Credential == nil {
		if len(o.SigningCredentials) == 0 {
			return o, errors.New("oidcserver: access token handler requires signing credentials")
		}
		o.AccessTokenHandler.Credential = &o.SigningCredentials[0]
	}

	// A configured JWT handler whose default signer cannot sign is a
	// deployment mistake surfaced at startup, not at the first request.
	for _, h := range []*token.JWTHandler{o.AccessTokenHandler, o.IdentityTokenHandler} {
		if h == nil {
			continue
		}
		if h.Issuer == "" {
			h.Issuer = o.Issuer
		}
		if h.Issuer == "" {
			return o, errors.New("oidcserver: issuer is required when JWT handlers are configured")
		}
		if h.Credential == nil || h.Credential.Key == nil {
			return o, errors.New("oidcserver: JWT handlers require an asymmetric signing credential")
		}
		if _, err := h.Credential.SignatureAlgorithm(); err != nil {
			return o, fmt.Errorf("oidcserver: %w", err)
		}
	}

	if o.Issuer != "" {
		parsed, err := url.Parse(o.Issuer)
		if err != nil || !parsed.IsAbs() {
			return o, fmt.Errorf("oidcserver: issuer must be an absolute URL: %q", o.Issuer)
		}
	}

	needsFormats := o.AuthorizationCodeFormat == nil || o.RefreshTokenFormat == nil ||
		(o.AccessTokenHandler == nil && o.AccessTokenFormat == nil)
	if needsFormats {
		if len(o.DataFormatSecret) < minDataFormatSecret {
			return o, fmt.Errorf("oidcserver: data format secret must be at least %d bytes", minDataFormatSecret)
		}
		reader := rngReader{rng: o.Rand}
		var err error
		if o.AuthorizationCodeFormat == nil {
			o.AuthorizationCodeFormat, err = token.NewAEADFormat(o.DataFormatSecret, reader, "oidcserver", "authorization_code")
			if err != nil {
				return o, err
			}
		}
		if o.RefreshTokenFormat == nil {
			o.RefreshTokenFormat, err = token.NewAEADFormat(o.DataFormatSecret, reader, "oidcserver", "refresh_token")
			if err != nil {
				return o, err
			}
		}
		if o.AccessTokenHandler == nil && o.AccessTokenFormat == nil {
			o.AccessTokenFormat, err = token.NewAEADFormat(o.DataFormatSecret, reader, "oidcserver", "access_token")
			if err != nil {
				return o, err
			}
		}
	}

	return o, nil
}

func (o *Options) anyEndpointEnabled() bool {
	return o.AuthorizationEndpointPath != "" ||
		o.TokenEndpointPath != "" ||
		o.ValidationEndpointPath != "" ||
		o.ProfileEndpointPath != "" ||
		o.LogoutEndpointPath != "" ||
		o.ConfigurationEndpointPath != "" ||
		o.CryptographyEndpointPath != ""
}
