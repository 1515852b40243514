// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stacklok/oidcserver/pkg/oidcserver/cache"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// codeKeyPrefix namespaces authorization-code entries in the distributed
// cache, keeping them apart from request continuation entries.
const codeKeyPrefix = "oidc:code:"

// codeKeySize is the byte length of the random authorization-code key.
const codeKeySize = 32

// SerializerConfig wires the serializer's dependencies.
type SerializerConfig struct {
	// Cache stores opaque authorization-code payloads.
	Cache cache.Cache

	// Rand sources authorization-code keys.
	Rand io.Reader

	// AccessTokenHandler, when set, makes access tokens JWTs. When nil,
	// access tokens are opaque payloads protected by AccessTokenFormat.
	AccessTokenHandler *JWTHandler

	// IdentityTokenHandler signs identity tokens. Required to issue them.
	IdentityTokenHandler *JWTHandler

	// AuthorizationCodeFormat protects the cache-stored code payload.
	AuthorizationCodeFormat Format

	// AccessTokenFormat protects opaque access tokens.
	AccessTokenFormat Format

	// RefreshTokenFormat protects refresh tokens.
	RefreshTokenFormat Format

	// Logger receives warnings for deserialization failures. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Serializer turns tickets into bearer token strings and back. Protocol
// failures on the deserialization path (unknown, tampered or mismatched
// tokens) are logged at warning level and surfaced as nil tickets; returned
// errors indicate infrastructure failures only.
type Serializer struct {
	cfg    SerializerConfig
	logger *slog.Logger
}

// NewSerializer validates the configuration and returns a serializer.
func NewSerializer(cfg SerializerConfig) (*Serializer, error) {
	if cfg.Cache == nil {
		return nil, errors.New("token: cache is required")
	}
	if cfg.Rand == nil {
		return nil, errors.New("token: random source is required")
	}
	if cfg.AuthorizationCodeFormat == nil {
		return nil, errors.New("token: authorization code format is required")
	}
	if cfg.RefreshTokenFormat == nil {
		return nil, errors.New("token: refresh token format is required")
	}
	if cfg.AccessTokenHandler == nil && cfg.AccessTokenFormat == nil {
		return nil, errors.New("token: access token handler or format is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{cfg: cfg, logger: logger}, nil
}

// SerializeAuthorizationCode protects the ticket, stores the payload in the
// cache under a fresh 256-bit key and returns the base64url key as the code.
func (s *Serializer) SerializeAuthorizationCode(ctx context.Context, t *ticket.Ticket) (string, error) {
	t.SetUsage(ticket.UsageCode)

	payload, err := s.cfg.AuthorizationCodeFormat.Protect(t)
	if err != nil {
		return "", fmt.Errorf("token: protect authorization code: %w", err)
	}

	key := make([]byte, codeKeySize)
	if _, err := io.ReadFull(s.cfg.Rand, key); err != nil {
		return "", fmt.Errorf("token: generate code key: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(key)

	if err := s.cfg.Cache.Set(ctx, codeKeyPrefix+code, []byte(payload), t.Properties.ExpiresAt); err != nil {
		return "", fmt.Errorf("token: store authorization code: %w", err)
	}
	return code, nil
}

// DeserializeAuthorizationCode dereferences a code. The cache entry is
// removed before the payload is validated, making every code one-shot.
func (s *Serializer) DeserializeAuthorizationCode(ctx context.Context, code string) (*ticket.Ticket, error) {
	payload, err := s.cfg.Cache.Get(ctx, codeKeyPrefix+code)
	if errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("authorization code not found in cache")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token: load authorization code: %w", err)
	}

	// One-shot discipline: drop the entry before validating so a concurrent
	// replay of the same code dereferences nothing.
	if err := s.cfg.Cache.Remove(ctx, codeKeyPrefix+code); err != nil {
		return nil, fmt.Errorf("token: remove authorization code: %w", err)
	}

	t, err := s.cfg.AuthorizationCodeFormat.Unprotect(string(payload))
	if err != nil {
		s.logger.Warn("failed to unprotect authorization code", "error", err)
		return nil, nil
	}
	if !t.IsCode() {
		s.logger.Warn("deserialized ticket is not an authorization code", "usage", t.Usage())
		return nil, nil
	}
	return t, nil
}

// SerializeAccessToken emits an access token for the ticket: a JWT when an
// access token handler is configured, an opaque payload otherwise. Principal
// claims not destined for access tokens are dropped either way.
func (s *Serializer) SerializeAccessToken(t *ticket.Ticket) (string, error) {
	t.SetUsage(ticket.UsageAccessToken)
	filtered := filterClaims(t, ticket.DestinationAccessToken)

	if s.cfg.AccessTokenHandler == nil {
		return s.cfg.AccessTokenFormat.Protect(filtered)
	}

	claims, err := buildJWTClaims(filtered, ticket.UsageAccessToken)
	if err != nil {
		return "", err
	}
	claims[claimIssuer] = s.cfg.AccessTokenHandler.Issuer
	claims[claimJWTID] = uuid.NewString()
	return s.cfg.AccessTokenHandler.Sign(claims)
}

// DeserializeAccessToken reverses SerializeAccessToken.
func (s *Serializer) DeserializeAccessToken(value string) (*ticket.Ticket, error) {
	if s.cfg.AccessTokenHandler == nil {
		return s.unprotect(s.cfg.AccessTokenFormat, value, ticket.UsageAccessToken)
	}
	return s.verifyJWT(s.cfg.AccessTokenHandler, value, ticket.UsageAccessToken)
}

// SerializeIdentityToken signs an identity token. When the authorization
// response also carries a code or an access token, their left-half SHA-256
// hashes are embedded as c_hash and at_hash.
func (s *Serializer) SerializeIdentityToken(t *ticket.Ticket, code, accessToken string) (string, error) {
	if s.cfg.IdentityTokenHandler == nil {
		return "", errors.New("token: no identity token handler configured")
	}

	t.SetUsage(ticket.UsageIDToken)
	filtered := filterClaims(t, ticket.DestinationIdentityToken)

	claims, err := buildJWTClaims(filtered, ticket.UsageIDToken)
	if err != nil {
		return "", err
	}
	claims[claimIssuer] = s.cfg.IdentityTokenHandler.Issuer
	claims[claimJWTID] = uuid.NewString()
	if nonce := t.GetItem(ticket.PropertyNonce); nonce != "" {
		claims[claimNonce] = nonce
	}
	if code != "" {
		claims[claimCHash] = LeftHalfHash(code)
	}
	if accessToken != "" {
		claims[claimAtHash] = LeftHalfHash(accessToken)
	}
	return s.cfg.IdentityTokenHandler.Sign(claims)
}

// DeserializeIdentityToken reverses SerializeIdentityToken.
func (s *Serializer) DeserializeIdentityToken(value string) (*ticket.Ticket, error) {
	if s.cfg.IdentityTokenHandler == nil {
		s.logger.Warn("no identity token handler configured")
		return nil, nil
	}
	return s.verifyJWT(s.cfg.IdentityTokenHandler, value, ticket.UsageIDToken)
}

// SerializeRefreshToken protects the full ticket as an opaque refresh token.
func (s *Serializer) SerializeRefreshToken(t *ticket.Ticket) (string, error) {
	t.SetUsage(ticket.UsageRefreshToken)
	return s.cfg.RefreshTokenFormat.Protect(t)
}

// DeserializeRefreshToken reverses SerializeRefreshToken.
func (s *Serializer) DeserializeRefreshToken(value string) (*ticket.Ticket, error) {
	return s.unprotect(s.cfg.RefreshTokenFormat, value, ticket.UsageRefreshToken)
}

func (s *Serializer) unprotect(format Format, value, usage string) (*ticket.Ticket, error) {
	t, err := format.Unprotect(value)
	if err != nil {
		s.logger.Warn("failed to unprotect token", "usage", usage, "error", err)
		return nil, nil
	}
	if t.Usage() != usage {
		s.logger.Warn("token usage mismatch", "want", usage, "got", t.Usage())
		return nil, nil
	}
	return t, nil
}

func (s *Serializer) verifyJWT(handler *JWTHandler, value, usage string) (*ticket.Ticket, error) {
	claims, err := handler.Verify(value)
	if err != nil {
		s.logger.Warn("failed to validate token", "usage", usage, "error", err)
		return nil, nil
	}
	t, err := rebuildTicket(claims, "Bearer")
	if err != nil {
		s.logger.Warn("failed to rebuild ticket from claims", "usage", usage, "error", err)
		return nil, nil
	}
	if t.Usage() != usage {
		s.logger.Warn("token usage mismatch", "want", usage, "got", t.Usage())
		return nil, nil
	}
	return t, nil
}

// LeftHalfHash computes the OIDC c_hash/at_hash value: the base64url
// encoding of the left half of the SHA-256 digest of the value's ASCII
// bytes.
func LeftHalfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:sha256.Size/2])
}

// filterClaims copies the ticket, keeping only principal claims destined
// for the given token kind. The subject and name identifier claims are
// always retained.
func filterClaims(t *ticket.Ticket, destination string) *ticket.Ticket {
	filtered := t.Copy()
	kept := filtered.Principal.Claims[:0]
	for _, c := range filtered.Principal.Claims {
		switch {
		case c.Type == ticket.ClaimSubject || c.Type == ticket.ClaimNameIdentifier:
			kept = append(kept, c)
		case c.HasDestination(destination):
			kept = append(kept, c)
		}
	}
	filtered.Principal.Claims = kept
	return filtered
}
