// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the signing key set of the authorization server:
// credential metadata, key identifier derivation, and export of the public
// portion as a JSON Web Key Set.
package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // x5t is defined over SHA-1 per RFC 7517
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// derivedKeyIDLength is the number of characters of the encoded RSA modulus
// used when deriving a key identifier for keys without an explicit one.
const derivedKeyIDLength = 40

// rsaAlgorithms are the signing algorithms exposed through the JWKS
// endpoint. Credentials using other algorithms are skipped when the key set
// document is assembled.
var rsaAlgorithms = map[string]jose.SignatureAlgorithm{
	"RS256": jose.RS256,
	"RS384": jose.RS384,
	"RS512": jose.RS512,
}

// SigningCredential binds a private key to its signing algorithm and
// optional metadata. The first credential of a server's ordered set is the
// default signer; all exportable credentials appear in the JWKS document.
type SigningCredential struct {
	// KeyID is the explicit key identifier. When empty, an identifier is
	// derived from the certificate thumbprint or the RSA modulus.
	KeyID string

	// Algorithm is the JWS signing algorithm, e.g. "RS256".
	Algorithm string

	// Key is the private key. JWT signing requires an asymmetric key.
	Key crypto.Signer

	// Certificate optionally carries the X.509 certificate backing the key,
	// exposed as x5c/x5t in the JWKS document and JWT headers.
	Certificate *x509.Certificate
}

// ResolveKeyID returns the effective key identifier: the explicit KeyID,
// then the certificate thumbprint, then an identifier derived from the
// first characters of the base64url-encoded RSA modulus, uppercased.
func (c *SigningCredential) ResolveKeyID() string {
	if c.KeyID != "" {
		return c.KeyID
	}
	if c.Certificate != nil {
		return c.Thumbprint()
	}
	if pub, ok := c.Key.Public().(*rsa.PublicKey); ok {
		return deriveRSAKeyID(pub.N)
	}
	return ""
}

// Thumbprint returns the uppercase hex SHA-1 thumbprint of the certificate,
// or "" when no certificate is attached.
func (c *SigningCredential) Thumbprint() string {
	if c.Certificate == nil {
		return ""
	}
	sum := sha1.Sum(c.Certificate.Raw) //nolint:gosec // certificate thumbprint, not a security function
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// X5T returns the base64url-encoded SHA-1 thumbprint used for the JOSE
// "x5t" header, or "" when no certificate is attached.
func (c *SigningCredential) X5T() string {
	if c.Certificate == nil {
		return ""
	}
	sum := sha1.Sum(c.Certificate.Raw) //nolint:gosec // x5t is defined over SHA-1
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SignatureAlgorithm maps the credential's algorithm name to its go-jose
// equivalent, or an error for unsupported algorithms.
func (c *SigningCredential) SignatureAlgorithm() (jose.SignatureAlgorithm, error) {
	if alg, ok := rsaAlgorithms[c.Algorithm]; ok {
		return alg, nil
	}
	return "", fmt.Errorf("keys: unsupported signing algorithm %q", c.Algorithm)
}

// JWKS assembles the public JSON Web Key Set for the given ordered
// credential set. Credentials whose algorithm is not an RSA JWS algorithm
// are skipped. Key identifiers must be unique across the emitted set.
func JWKS(credentials []SigningCredential) (*jose.JSONWebKeySet, error) {
	set := &jose.JSONWebKeySet{}
	seen := make(map[string]bool)

	for i := range credentials {
		cred := &credentials[i]
		if _, ok := rsaAlgorithms[cred.Algorithm]; !ok {
			continue
		}

		kid := cred.ResolveKeyID()
		if kid == "" {
			return nil, fmt.Errorf("keys: credential %d has no derivable key identifier", i)
		}
		if seen[kid] {
			return nil, fmt.Errorf("keys: duplicate key identifier %q in signing key set", kid)
		}
		seen[kid] = true

		key := jose.JSONWebKey{
			Key:       cred.Key.Public(),
			KeyID:     kid,
			Algorithm: cred.Algorithm,
			Use:       "sig",
		}
		if cred.Certificate != nil {
			sum := sha1.Sum(cred.Certificate.Raw) //nolint:gosec // x5t is defined over SHA-1
			key.Certificates = []*x509.Certificate{cred.Certificate}
			key.CertificateThumbprintSHA1 = sum[:]
		}
		set.Keys = append(set.Keys, key)
	}

	return set, nil
}

func deriveRSAKeyID(modulus *big.Int) string {
	encoded := strings.ToUpper(base64.RawURLEncoding.EncodeToString(modulus.Bytes()))
	if len(encoded) > derivedKeyIDLength {
		encoded = encoded[:derivedKeyIDLength]
	}
	return encoded
}
