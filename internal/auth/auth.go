// Package auth verifies bearer JWTs issued by Bluesky PDS sessions against
// the signing key published in the issuer's DID document.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken       = errors.New("auth: missing bearer token")
	ErrMalformedToken     = errors.New("auth: malformed token")
	ErrWrongAudience      = errors.New("auth: token audience does not match service DID")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrInvalidSignature   = errors.New("auth: invalid signature")
	ErrUnresolvableIssuer = errors.New("auth: could not resolve issuer DID")
)

// PublicKey is the minimal surface Verifier needs from a resolved atproto
// signing key (satisfied by github.com/bluesky-social/indigo/atproto/crypto.PublicKey).
type PublicKey interface {
	VerifySignature(content []byte, sig []byte) error
}

// Resolver resolves a DID to its currently active signing key. It is an
// interface so tests can inject a fixed key set instead of hitting the
// network (see NewDirectoryResolver for the production implementation).
type Resolver interface {
	ResolveSigningKey(ctx context.Context, did string) (PublicKey, error)
}

// directoryResolver adapts indigo's DID directory (PLC + did:web) to Resolver.
type directoryResolver struct {
	dir identity.Directory
}

// NewDirectoryResolver returns a Resolver backed by indigo's default DID
// directory, which resolves both did:plc (via the PLC directory) and
// did:web (via the well-known URL).
func NewDirectoryResolver() Resolver {
	return &directoryResolver{dir: identity.DefaultDirectory()}
}

func (r *directoryResolver) ResolveSigningKey(ctx context.Context, did string) (PublicKey, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableIssuer, err)
	}

	ident, err := r.dir.LookupDID(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableIssuer, err)
	}

	pub, err := ident.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableIssuer, err)
	}

	return pub, nil
}

type cachedKey struct {
	key       PublicKey
	expiresAt time.Time
}

// Claims holds the fields this service cares about from an unverified token.
type Claims struct {
	Issuer    string
	Audience  string
	ExpiresAt time.Time
}

// Verifier validates bearer JWTs against the feed generator's own service
// DID as audience and a DID-resolved signing key, caching resolved keys for
// a bounded TTL to avoid re-resolving on every request.
type Verifier struct {
	serviceDID string
	resolver   Resolver
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedKey
}

// NewVerifier creates a Verifier that accepts tokens whose audience is
// serviceDID, resolving issuer keys through resolver.
func NewVerifier(serviceDID string, resolver Resolver) *Verifier {
	return &Verifier{
		serviceDID: serviceDID,
		resolver:   resolver,
		cacheTTL:   5 * time.Minute,
		cache:      make(map[string]cachedKey),
	}
}

// VerifyRequest extracts the bearer token from an Authorization header
// value ("Bearer <jwt>"), fully verifies it (audience, expiry, signature),
// and returns the DID of the authenticated requester.
func (v *Verifier) VerifyRequest(ctx context.Context, authorizationHeader string) (string, error) {
	token, err := extractBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformedToken
	}

	claims, err := parseClaims(token)
	if err != nil {
		return "", err
	}

	if claims.Audience != v.serviceDID {
		return "", ErrWrongAudience
	}
	if time.Now().After(claims.ExpiresAt) {
		return "", ErrExpiredToken
	}

	pubKey, err := v.resolveKey(ctx, claims.Issuer)
	if err != nil {
		return "", err
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedToken
	}

	signingInput := parts[0] + "." + parts[1]
	if err := pubKey.VerifySignature([]byte(signingInput), sig); err != nil {
		return "", ErrInvalidSignature
	}

	return claims.Issuer, nil
}

func (v *Verifier) resolveKey(ctx context.Context, did string) (PublicKey, error) {
	v.mu.Lock()
	if cached, ok := v.cache[did]; ok && time.Now().Before(cached.expiresAt) {
		v.mu.Unlock()
		return cached.key, nil
	}
	v.mu.Unlock()

	key, err := v.resolver.ResolveSigningKey(ctx, did)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[did] = cachedKey{key: key, expiresAt: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()

	return key, nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMalformedToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// parseClaims decodes the token's claim set without checking its signature
// (step 6 does that separately once the issuer's key is in hand). Using
// jwt.Parser.ParseUnverified here mirrors how TheAlyxGreen-firefly reads
// client-side session claims. ParseUnverified reports ErrTokenUnverifiable
// for algorithms golang-jwt does not carry (ES256K among them) after it has
// already decoded the claims, so that error is not treated as malformed.
func parseClaims(token string) (*Claims, error) {
	rawClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, rawClaims); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	iss, _ := rawClaims["iss"].(string)
	aud, _ := rawClaims["aud"].(string)
	if iss == "" || aud == "" {
		return nil, ErrMalformedToken
	}

	expFloat, ok := rawClaims["exp"].(float64)
	if !ok {
		return nil, ErrMalformedToken
	}

	return &Claims{
		Issuer:    iss,
		Audience:  aud,
		ExpiresAt: time.Unix(int64(expFloat), 0),
	}, nil
}
