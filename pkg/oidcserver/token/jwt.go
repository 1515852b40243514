// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/oidcserver/pkg/oidcserver/keys"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// Registered claim names handled structurally during ticket reconstruction.
const (
	claimIssuer       = "iss"
	claimSubject      = "sub"
	claimAudience     = "aud"
	claimExpiresAt    = "exp"
	claimNotBefore    = "nbf"
	claimIssuedAt     = "iat"
	claimJWTID        = "jti"
	claimUsage        = "usage"
	claimScope        = "scope"
	claimAuthParty    = "azp"
	claimConfidential = "confidential"
	claimNonce        = "nonce"
	claimAtHash       = "at_hash"
	claimCHash        = "c_hash"
)

// reservedClaims are not copied back into the principal when a JWT is
// deserialized; they are restored into the ticket properties instead.
var reservedClaims = map[string]bool{
	claimIssuer: true, claimSubject: true, claimAudience: true,
	claimExpiresAt: true, claimNotBefore: true, claimIssuedAt: true,
	claimJWTID: true, claimUsage: true, claimScope: true,
	claimAuthParty: true, claimConfidential: true, claimNonce: true,
	claimAtHash: true, claimCHash: true,
}

// JWTHandler signs tickets into JWTs and validates them back, using a single
// signing credential. Audience and lifetime validation are deliberately left
// to the endpoints, which re-check expiration against the injected clock.
type JWTHandler struct {
	// Issuer is the value of the iss claim and the expected issuer on
	// validation.
	Issuer string

	// Credential is the signing credential. Its key must be asymmetric.
	Credential *keys.SigningCredential
}

// Sign serializes the claim set into a signed compact JWT. The JOSE header
// carries the resolved key identifier and, when a certificate backs the
// credential, its x5t thumbprint.
func (h *JWTHandler) Sign(claims map[string]any) (string, error) {
	alg, err := h.Credential.SignatureAlgorithm()
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	if kid := h.Credential.ResolveKeyID(); kid != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), kid)
	}
	if x5t := h.Credential.X5T(); x5t != "" {
		opts = opts.WithHeader(jose.HeaderKey("x5t"), x5t)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: h.Credential.Key}, opts)
	if err != nil {
		return "", fmt.Errorf("token: create signer: %w", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return raw, nil
}

// Verify checks the compact JWT's signature and issuer and returns its claim
// set. Lifetime and audience are not validated here.
func (h *JWTHandler) Verify(raw string) (map[string]any, error) {
	alg, err := h.Credential.SignatureAlgorithm()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{alg})
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}

	var claims map[string]any
	if err := parsed.Claims(h.Credential.Key.Public(), &claims); err != nil {
		return nil, fmt.Errorf("token: signature validation: %w", err)
	}

	if iss, _ := claims[claimIssuer].(string); h.Issuer != "" && iss != h.Issuer {
		return nil, fmt.Errorf("token: unexpected issuer %q", iss)
	}
	return claims, nil
}

// buildJWTClaims turns a ticket into the claim set of spec'd shape: one
// entry per scope and audience (emitted as JSON arrays), azp set to the
// client, sub falling back to the name identifier, and the usage and
// confidentiality markers needed to reconstruct the ticket.
func buildJWTClaims(t *ticket.Ticket, usage string) (map[string]any, error) {
	sub := t.Principal.Subject()
	if sub == "" {
		return nil, fmt.Errorf("token: ticket has no subject claim")
	}

	claims := map[string]any{
		claimSubject:   sub,
		claimUsage:     usage,
		claimIssuedAt:  t.Properties.IssuedAt.Unix(),
		claimNotBefore: t.Properties.IssuedAt.Unix(),
		claimExpiresAt: t.Properties.ExpiresAt.Unix(),
	}

	if scopes := t.Scopes(); len(scopes) > 0 {
		claims[claimScope] = scopes
	}
	if audiences := t.Audiences(); len(audiences) > 0 {
		claims[claimAudience] = audiences
	}
	if clientID := t.ClientID(); clientID != "" {
		claims[claimAuthParty] = clientID
	}
	if t.Confidential() {
		claims[claimConfidential] = true
	}

	destination := DestinationFor(usage)
	for _, c := range t.Principal.Claims {
		switch c.Type {
		case ticket.ClaimNameIdentifier, ticket.ClaimSubject:
			// Already folded into sub; the name identifier is stripped.
			continue
		}
		if !c.HasDestination(destination) {
			continue
		}
		if reservedClaims[c.Type] {
			continue
		}
		appendClaim(claims, c.Type, c.Value)
	}

	return claims, nil
}

// appendClaim adds a claim value, promoting repeated types to arrays.
func appendClaim(claims map[string]any, name, value string) {
	switch existing := claims[name].(type) {
	case nil:
		claims[name] = value
	case string:
		claims[name] = []string{existing, value}
	case []string:
		claims[name] = append(existing, value)
	}
}

// rebuildTicket reconstructs a ticket from a verified claim set. The
// validity window comes from nbf/exp; audiences, usage and the confidential
// flag are restored into the ticket properties.
func rebuildTicket(claims map[string]any, scheme string) (*ticket.Ticket, error) {
	usage, _ := claims[claimUsage].(string)
	if usage == "" {
		return nil, fmt.Errorf("token: claim set has no usage")
	}

	sub, _ := claims[claimSubject].(string)
	if sub == "" {
		return nil, fmt.Errorf("token: claim set has no subject")
	}

	principal := ticket.NewPrincipal(ticket.Claim{
		Type:         ticket.ClaimSubject,
		Value:        sub,
		Destinations: []string{DestinationFor(usage)},
	})

	destination := DestinationFor(usage)
	for name, value := range claims {
		if reservedClaims[name] {
			continue
		}
		for _, v := range stringValues(value) {
			principal.AddClaim(name, v, destination)
		}
	}

	t := ticket.New(principal, scheme)
	t.SetUsage(usage)
	t.Properties.IssuedAt = claimTime(claims, claimNotBefore, claimIssuedAt)
	t.Properties.ExpiresAt = claimTime(claims, claimExpiresAt)

	if audiences := stringValues(claims[claimAudience]); len(audiences) > 0 {
		t.SetAudiences(audiences...)
	}
	if scopes := stringValues(claims[claimScope]); len(scopes) > 0 {
		t.SetScopes(scopes...)
	}
	if azp, _ := claims[claimAuthParty].(string); azp != "" {
		t.SetItem(ticket.PropertyClientID, azp)
	}
	if nonce, _ := claims[claimNonce].(string); nonce != "" {
		t.SetItem(ticket.PropertyNonce, nonce)
	}
	if confidential, _ := claims[claimConfidential].(bool); confidential {
		t.SetConfidential(true)
	}

	return t, nil
}

// DestinationFor maps a ticket usage to the claim destination gating which
// principal claims are serialized into that token kind.
func DestinationFor(usage string) string {
	if usage == ticket.UsageIDToken {
		return ticket.DestinationIdentityToken
	}
	return ticket.DestinationAccessToken
}

// claimTime reads the first present numeric claim as a UTC timestamp.
func claimTime(claims map[string]any, names ...string) time.Time {
	for _, name := range names {
		switch v := claims[name].(type) {
		case float64:
			return time.Unix(int64(v), 0).UTC()
		case int64:
			return time.Unix(v, 0).UTC()
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return time.Unix(n, 0).UTC()
			}
		}
	}
	return time.Time{}
}

// stringValues normalizes a claim value into its string list form,
// tolerating both single values and JSON arrays.
func stringValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
