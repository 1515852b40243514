// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"slices"

	"github.com/stacklok/oidcserver/pkg/oidcserver/provider"
	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// demoProvider serves a single statically registered client and a static
// user table. Real hosts back these notifications with their own client and
// account stores.
type demoProvider struct {
	provider.Base

	clientID           string
	clientSecret       string
	redirectURIs       []string
	logoutRedirectURIs []string

	// users maps usernames to passwords for the resource owner password
	// credentials grant and the demo login page.
	users map[string]string
}

// ValidateClientRedirectURI recognizes the registered client, defaulting to
// its first redirect URI when the request omitted one.
func (p *demoProvider) ValidateClientRedirectURI(_ context.Context, c *provider.ValidateClientRedirectURIContext) error {
	if c.ClientID != p.clientID {
		c.Reject(provider.NewError(provider.ErrInvalidClient, "unknown client"))
		return nil
	}
	if c.RedirectURI == "" && len(p.redirectURIs) > 0 {
		c.RedirectURI = p.redirectURIs[0]
	}
	if !slices.Contains(p.redirectURIs, c.RedirectURI) {
		c.Reject(provider.NewError(provider.ErrInvalidClient, "unregistered redirect_uri"))
		return nil
	}
	c.Validate()
	return nil
}

// ValidateClientLogoutRedirectURI accepts only registered destinations.
func (p *demoProvider) ValidateClientLogoutRedirectURI(_ context.Context, c *provider.ValidateClientLogoutRedirectURIContext) error {
	if slices.Contains(p.logoutRedirectURIs, c.PostLogoutRedirectURI) {
		c.Validate()
	}
	return nil
}

// ValidateClientAuthentication validates the registered client's secret.
// Requests without credentials stay skipped, treating the client as public.
func (p *demoProvider) ValidateClientAuthentication(_ context.Context, c *provider.ValidateClientAuthenticationContext) error {
	if c.ClientID == "" && c.ClientSecret == "" {
		return nil
	}
	if c.ClientID == p.clientID && c.ClientSecret == p.clientSecret {
		c.Validate()
		return nil
	}
	c.Reject(provider.NewError(provider.ErrInvalidClient, "client authentication failed"))
	return nil
}

// GrantResourceOwnerCredentials checks the username and password against the
// static user table.
func (p *demoProvider) GrantResourceOwnerCredentials(_ context.Context, c *provider.GrantContext) error {
	username := c.Message.Username()
	if password, ok := p.users[username]; !ok || password != c.Message.Password() {
		c.Reject(provider.NewError(provider.ErrInvalidGrant, "invalid resource owner credentials"))
		return nil
	}
	c.Ticket = p.userTicket(username)
	c.Validate()
	return nil
}

// GrantClientCredentials issues a confidential ticket on behalf of the
// authenticated client itself.
func (p *demoProvider) GrantClientCredentials(_ context.Context, c *provider.GrantContext) error {
	t := ticket.New(ticket.NewPrincipal(
		ticket.Claim{Type: ticket.ClaimSubject, Value: p.clientID},
	), "Bearer")
	t.SetItem(ticket.PropertyClientID, p.clientID)
	t.SetConfidential(true)
	c.Ticket = t
	c.Validate()
	return nil
}

// authenticate resolves the login form credentials to a ticket, or nil.
func (p *demoProvider) authenticate(username, password string) *ticket.Ticket {
	if expected, ok := p.users[username]; !ok || expected != password {
		return nil
	}
	return p.userTicket(username)
}

func (p *demoProvider) userTicket(username string) *ticket.Ticket {
	t := ticket.New(ticket.NewPrincipal(
		ticket.Claim{Type: ticket.ClaimSubject, Value: username},
		ticket.Claim{Type: ticket.ClaimName, Value: username, Destinations: []string{ticket.DestinationIdentityToken}},
	), "Bearer")
	t.SetItem(ticket.PropertyClientID, p.clientID)
	return t
}
