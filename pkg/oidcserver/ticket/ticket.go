// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ticket models the authentication ticket carried by every issued
// token: a claims principal plus a property bag with the protocol context
// (client, redirect URI, scopes, audiences, usage) and the validity window.
package ticket

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Usage values disambiguating which token kind a ticket represents.
const (
	UsageCode         = "code"
	UsageAccessToken  = "access_token"
	UsageIDToken      = "id_token"
	UsageRefreshToken = "refresh_token"
)

// Property bag keys carrying protocol context between serialization and
// deserialization.
const (
	PropertyUsage        = "usage"
	PropertyClientID     = "client_id"
	PropertyRedirectURI  = "redirect_uri"
	PropertyResource     = "resource"
	PropertyScope        = "scope"
	PropertyNonce        = "nonce"
	PropertyConfidential = "confidential"
	PropertyAudiences    = "audiences"
)

// Claim types used by the token serializers and the userinfo endpoint.
const (
	ClaimNameIdentifier = "name_identifier"
	ClaimSubject        = "sub"
	ClaimName           = "name"
	ClaimGivenName      = "given_name"
	ClaimFamilyName     = "family_name"
	ClaimBirthdate      = "birthdate"
	ClaimEmail          = "email"
	ClaimPhoneNumber    = "phone_number"
)

// Claim destinations controlling which serialized token kinds carry a claim.
const (
	DestinationAccessToken   = "token"
	DestinationIdentityToken = "id_token"
)

// Claim is a single typed assertion about the principal. Destinations lists
// the token kinds the claim may be copied into; name_identifier and sub are
// always retained regardless of destinations.
type Claim struct {
	Type         string   `json:"type"`
	Value        string   `json:"value"`
	Destinations []string `json:"destinations,omitempty"`
}

// HasDestination reports whether the claim is flagged for the given
// serialization destination.
func (c Claim) HasDestination(destination string) bool {
	return slices.Contains(c.Destinations, destination)
}

// Principal is a claim set with a main identity.
type Principal struct {
	Claims []Claim `json:"claims"`
}

// NewPrincipal returns a principal holding the given claims.
func NewPrincipal(claims ...Claim) *Principal {
	return &Principal{Claims: claims}
}

// Claim returns the first claim of the given type, or the zero Claim.
func (p *Principal) Claim(claimType string) (Claim, bool) {
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c, true
		}
	}
	return Claim{}, false
}

// ClaimValue returns the value of the first claim of the given type, or "".
func (p *Principal) ClaimValue(claimType string) string {
	c, _ := p.Claim(claimType)
	return c.Value
}

// Subject resolves the token subject: the sub claim when present, falling
// back to the name identifier claim.
func (p *Principal) Subject() string {
	if v := p.ClaimValue(ClaimSubject); v != "" {
		return v
	}
	return p.ClaimValue(ClaimNameIdentifier)
}

// AddClaim appends a claim to the principal.
func (p *Principal) AddClaim(claimType, value string, destinations ...string) {
	p.Claims = append(p.Claims, Claim{Type: claimType, Value: value, Destinations: destinations})
}

// RemoveClaims deletes every claim of the given type.
func (p *Principal) RemoveClaims(claimType string) {
	p.Claims = slices.DeleteFunc(p.Claims, func(c Claim) bool {
		return c.Type == claimType
	})
}

// Copy returns a deep copy of the principal.
func (p *Principal) Copy() *Principal {
	claims := make([]Claim, len(p.Claims))
	for i, c := range p.Claims {
		claims[i] = Claim{Type: c.Type, Value: c.Value, Destinations: slices.Clone(c.Destinations)}
	}
	return &Principal{Claims: claims}
}

// Properties carries the validity window and the protocol item bag.
type Properties struct {
	IssuedAt  time.Time         `json:"issued_utc"`
	ExpiresAt time.Time         `json:"expires_utc"`
	Items     map[string]string `json:"items,omitempty"`
}

// Ticket is the authentication state a token serializes.
type Ticket struct {
	Principal  *Principal `json:"principal"`
	Properties Properties `json:"properties"`
	AuthScheme string     `json:"auth_scheme,omitempty"`
}

// New returns a ticket for the given principal with an empty item bag.
func New(principal *Principal, scheme string) *Ticket {
	return &Ticket{
		Principal:  principal,
		Properties: Properties{Items: make(map[string]string)},
		AuthScheme: scheme,
	}
}

// GetItem returns the property bag entry for key, or "".
func (t *Ticket) GetItem(key string) string {
	return t.Properties.Items[key]
}

// SetItem stores a property bag entry, allocating the bag when needed.
func (t *Ticket) SetItem(key, value string) {
	if t.Properties.Items == nil {
		t.Properties.Items = make(map[string]string)
	}
	t.Properties.Items[key] = value
}

// RemoveItem deletes a property bag entry.
func (t *Ticket) RemoveItem(key string) {
	delete(t.Properties.Items, key)
}

// Usage returns the token kind tag, or "" when unset.
func (t *Ticket) Usage() string { return t.GetItem(PropertyUsage) }

// SetUsage tags the ticket with a token kind.
func (t *Ticket) SetUsage(usage string) { t.SetItem(PropertyUsage, usage) }

// IsCode reports whether the ticket represents an authorization code.
func (t *Ticket) IsCode() bool { return t.Usage() == UsageCode }

// IsAccessToken reports whether the ticket represents an access token.
func (t *Ticket) IsAccessToken() bool { return t.Usage() == UsageAccessToken }

// IsIdentityToken reports whether the ticket represents an identity token.
func (t *Ticket) IsIdentityToken() bool { return t.Usage() == UsageIDToken }

// IsRefreshToken reports whether the ticket represents a refresh token.
func (t *Ticket) IsRefreshToken() bool { return t.Usage() == UsageRefreshToken }

// Confidential reports whether the ticket originated from a fully
// authenticated client.
func (t *Ticket) Confidential() bool { return t.GetItem(PropertyConfidential) == "true" }

// SetConfidential flags the ticket as originating from an authenticated client.
func (t *Ticket) SetConfidential(confidential bool) {
	if confidential {
		t.SetItem(PropertyConfidential, "true")
		return
	}
	t.RemoveItem(PropertyConfidential)
}

// Audiences returns the audiences stored on the ticket.
func (t *Ticket) Audiences() []string { return splitList(t.GetItem(PropertyAudiences)) }

// SetAudiences stores the audiences on the ticket.
func (t *Ticket) SetAudiences(audiences ...string) {
	setList(t, PropertyAudiences, audiences)
}

// Scopes returns the scopes stored on the ticket.
func (t *Ticket) Scopes() []string { return splitList(t.GetItem(PropertyScope)) }

// SetScopes stores the scopes on the ticket.
func (t *Ticket) SetScopes(scopes ...string) {
	setList(t, PropertyScope, scopes)
}

// HasScope reports whether the ticket carries the given scope.
func (t *Ticket) HasScope(scope string) bool {
	return slices.Contains(t.Scopes(), scope)
}

// Resources returns the resources stored on the ticket.
func (t *Ticket) Resources() []string { return splitList(t.GetItem(PropertyResource)) }

// SetResources stores the resources on the ticket.
func (t *Ticket) SetResources(resources ...string) {
	setList(t, PropertyResource, resources)
}

// ClientID returns the client the ticket was issued to, or "".
func (t *Ticket) ClientID() string { return t.GetItem(PropertyClientID) }

// Expired reports whether the ticket's validity window has passed at now.
// Tickets without an expiration never expire.
func (t *Ticket) Expired(now time.Time) bool {
	return !t.Properties.ExpiresAt.IsZero() && !t.Properties.ExpiresAt.After(now)
}

// Copy returns a deep copy of the ticket.
func (t *Ticket) Copy() *Ticket {
	items := make(map[string]string, len(t.Properties.Items))
	for k, v := range t.Properties.Items {
		items[k] = v
	}
	var principal *Principal
	if t.Principal != nil {
		principal = t.Principal.Copy()
	}
	return &Ticket{
		Principal: principal,
		Properties: Properties{
			IssuedAt:  t.Properties.IssuedAt,
			ExpiresAt: t.Properties.ExpiresAt,
			Items:     items,
		},
		AuthScheme: t.AuthScheme,
	}
}

// Marshal serializes the ticket to its canonical JSON payload.
func Marshal(t *Ticket) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("ticket: cannot marshal nil ticket")
	}
	if t.Usage() == "" {
		return nil, fmt.Errorf("ticket: usage must be set before serialization")
	}
	return json.Marshal(t)
}

// Unmarshal parses a payload produced by Marshal.
func Unmarshal(data []byte) (*Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	return &t, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Fields(value)
}

func setList(t *Ticket, key string, values []string) {
	if len(values) == 0 {
		t.RemoveItem(key)
		return
	}
	t.SetItem(key, strings.Join(values, " "))
}
