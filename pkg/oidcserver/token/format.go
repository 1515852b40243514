// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token serializes and deserializes the four token kinds issued by
// the authorization server: authorization codes, access tokens, identity
// tokens and refresh tokens. Tokens are either JWTs signed with the server's
// signing credentials or opaque payloads protected by a symmetric data
// format; authorization codes additionally indirect through the distributed
// cache so the bearer value is a one-shot random key.
package token

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/stacklok/oidcserver/pkg/oidcserver/ticket"
)

// Format is the capability protecting a ticket into an opaque string and
// back. The AEAD data format below is the symmetric implementation; the JWT
// handler is the asymmetric one.
type Format interface {
	// Protect serializes and encrypts a ticket into an opaque string.
	Protect(t *ticket.Ticket) (string, error)

	// Unprotect reverses Protect. Tampered or foreign values fail.
	Unprotect(value string) (*ticket.Ticket, error)
}

// AEADFormat protects tickets with XChaCha20-Poly1305. The encryption key is
// derived from a master secret and a purpose chain, so formats created for
// different purposes (codes, access tokens, refresh tokens) cannot unprotect
// each other's payloads.
type AEADFormat struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewAEADFormat derives a purpose-bound encryption key from secret and
// returns the data format. The secret must be at least 32 bytes; rand
// sources the per-payload nonces.
func NewAEADFormat(secret []byte, rand io.Reader, purposes ...string) (*AEADFormat, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token: data format secret must be at least 32 bytes")
	}

	info := make([]byte, 0, 64)
	for _, p := range purposes {
		info = append(info, byte(len(p)))
		info = append(info, p...)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("token: derive data format key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &AEADFormat{aead: aead, rand: rand}, nil
}

// Protect implements Format.
func (f *AEADFormat) Protect(t *ticket.Ticket) (string, error) {
	payload, err := ticket.Marshal(t)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(f.rand, nonce); err != nil {
		return "", fmt.Errorf("token: generate nonce: %w", err)
	}

	sealed := f.aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unprotect implements Format.
func (f *AEADFormat) Unprotect(value string) (*ticket.Ticket, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("token: malformed payload: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("token: payload too short")
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	payload, err := f.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("token: unprotect: %w", err)
	}
	return ticket.Unmarshal(payload)
}
