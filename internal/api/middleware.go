/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token
 * authentication, the admin role gate and the internal API key check used by
 * the signup collaborator.
 *
 * Tokens are verified either against a JWKS endpoint (RS256) or a shared HMAC
 * secret (HS256). The caller's email is read from the `email` claim, falling
 * back to `sub`.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/silknetwork-maker/silk-network/internal/app"
	"github.com/silknetwork-maker/silk-network/internal/domain"
)

// IdentityContextKey is a custom type for the context key to avoid collisions.
type IdentityContextKey string

const (
	identityKey IdentityContextKey = "silkIdentity"

	RoleAdmin = "admin"

	jwksCacheTTL = 10 * time.Minute
)

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	Email string
	Role  string
}

// Actor converts the identity into the service's caller representation.
func (i Identity) Actor() app.Actor {
	return app.Actor{Email: i.Email, Admin: i.Role == RoleAdmin}
}

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
	Audience   string
	Issuer     string
}

// AuthMiddleware creates a middleware that validates bearer tokens and stores
// the caller's identity in the request context.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL)
	secret := []byte(cfg.HMACSecret)

	methods := make([]string, 0, 2)
	if cfg.JWKSURL != "" {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	if len(secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(secret) == 0 {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		case *jwt.SigningMethodRSA:
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("kid not found in token header")
			}
			publicKey, err := keys.key(kid)
			if err != nil {
				return nil, fmt.Errorf("failed to get public key: %w", err)
			}
			return publicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid token")
				return
			}

			identity, ok := identityFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "Email not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromClaims(claims jwt.MapClaims) (Identity, bool) {
	email, _ := claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		email, _ = claims["sub"].(string)
	}
	email = domain.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, false
	}
	role, _ := claims["role"].(string)
	return Identity{Email: email, Role: strings.ToLower(strings.TrimSpace(role))}, true
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
			return
		}
		if identity.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, codeForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key rejects every request.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || provided != requiredKey {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentity retrieves the authenticated caller from the request context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// jwksCache keeps the signing keys between requests and refetches when an
// unknown kid shows up or the cache expires.
type jwksCache struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, errors.New("jwks url not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	keys, err := c.fetch()
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch() (map[string]*rsa.PublicKey, error) {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return nil, err
		}
		keys[key.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
