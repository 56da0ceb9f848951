// Package token encodes, decodes, signs and verifies compact signed tokens
// (JWS/JWT) for the gateway: HS256 tokens issued locally and RS256 tokens
// issued by an external identity provider.
package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithms accepted by the gateway. No other value is ever trusted.
const (
	AlgSymmetric  = "HS256"
	AlgAsymmetric = "RS256"
)

var (
	ErrMalformed      = errors.New("malformed token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrUnexpectedAlg  = errors.New("unexpected token algorithm")
	ErrMissingKeyID   = errors.New("token header has no kid")
	ErrUnknownKeyID   = errors.New("token kid is not in the key set")
	ErrUnsupportedKey = errors.New("unsupported verification key")
	ErrMissingSecret  = errors.New("signing secret is not configured")
)

// Decoded is a token split into its parts. Nothing in it has been verified.
type Decoded struct {
	Header       map[string]any
	Claims       jwt.MapClaims
	SigningInput string
	Signature    []byte
}

// Alg returns the declared algorithm, or "".
func (d *Decoded) Alg() string {
	alg, _ := d.Header["alg"].(string)
	return alg
}

// KeyID returns the declared key id, or "".
func (d *Decoded) KeyID() string {
	kid, _ := d.Header["kid"].(string)
	return kid
}

var unverified = jwt.NewParser()

// Decode splits a compact token into header, claims, signing input and raw
// signature. Header and payload must both be JSON objects.
func Decode(raw string) (*Decoded, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected three segments", ErrMalformed)
	}

	claims := jwt.MapClaims{}
	tok, _, err := unverified.ParseUnverified(raw, claims)
	if tok == nil || (err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable)) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tok.Header == nil {
		return nil, fmt.Errorf("%w: header is not an object", ErrMalformed)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}

	return &Decoded{
		Header:       tok.Header,
		Claims:       claims,
		SigningInput: parts[0] + "." + parts[1],
		Signature:    sig,
	}, nil
}

// SignSymmetric signs claims with HS256.
func SignSymmetric(claims jwt.MapClaims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SignAsymmetric signs claims with RS256 under the given key id.
func SignAsymmetric(claims jwt.MapClaims, kid string, key *rsa.PrivateKey) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = kid
	return t.SignedString(key)
}

// VerifySymmetric checks an HS256 signature in constant time.
func VerifySymmetric(signingInput string, sig, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	return jwt.SigningMethodHS256.Verify(signingInput, sig, secret) == nil
}

// VerifyAsymmetric checks an RS256 signature.
func VerifyAsymmetric(signingInput string, sig []byte, key *rsa.PublicKey) bool {
	if key == nil {
		return false
	}
	return jwt.SigningMethodRS256.Verify(signingInput, sig, key) == nil
}

// Expectations are the claim checks applied after signature verification.
type Expectations struct {
	Issuer   string
	Audience string
	Now      func() time.Time
}

// Validate checks exp/nbf against the injected clock and issuer/audience
// against the configured values. Empty issuer or audience skips that check.
func (e Expectations) Validate(claims jwt.MapClaims) error {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(now)}
	if e.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(e.Issuer))
	}
	if e.Audience != "" {
		opts = append(opts, jwt.WithAudience(e.Audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// VerifyLocal verifies an HS256 token and returns its claims.
func VerifyLocal(raw string, secret []byte, exp Expectations) (jwt.MapClaims, error) {
	d, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if d.Alg() != AlgSymmetric {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedAlg, d.Alg())
	}
	if !VerifySymmetric(d.SigningInput, d.Signature, secret) {
		return nil, ErrBadSignature
	}
	if err := exp.Validate(d.Claims); err != nil {
		return nil, err
	}
	return d.Claims, nil
}

// KeyLookup resolves a key id to verification key material.
type KeyLookup interface {
	Lookup(ctx context.Context, kid string) (any, error)
}

// VerifyExternal verifies an RS256 token whose kid resolves through keys.
func VerifyExternal(ctx context.Context, raw string, keys KeyLookup, exp Expectations) (jwt.MapClaims, error) {
	d, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if d.Alg() != AlgAsymmetric {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedAlg, d.Alg())
	}
	kid := d.KeyID()
	if kid == "" {
		return nil, ErrMissingKeyID
	}
	material, err := keys.Lookup(ctx, kid)
	if err != nil {
		return nil, err
	}
	pub, ok := material.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, material)
	}
	if !VerifyAsymmetric(d.SigningInput, d.Signature, pub) {
		return nil, ErrBadSignature
	}
	if err := exp.Validate(d.Claims); err != nil {
		return nil, err
	}
	return d.Claims, nil
}
