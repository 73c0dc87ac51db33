package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/einyx/bucket-access-portal/internal/transport"
)

const maxCachedTokens = 1000

// JWTConfig configures token verification
type JWTConfig struct {
	Issuer        string
	ClientID      string
	JWKSURL       string
	TokenCacheTTL time.Duration
	JWKSCacheTTL  time.Duration
	HTTPClient    *http.Client
}

// JWTResolver verifies RS256 tokens against the issuer's JWKS
type JWTResolver struct {
	cfg        JWTConfig
	httpClient *http.Client
	jwksCache  *jwksCache
	tokenCache *tokenCache
	now        func() time.Time
}

type cognitoClaims struct {
	jwt.Claims
	Username string   `json:"cognito:username"`
	Email    string   `json:"email"`
	Groups   []string `json:"cognito:groups"`
	ClientID string   `json:"client_id"`
}

type jwksCache struct {
	mu      sync.RWMutex
	jwks    *jose.JSONWebKeySet
	expires time.Time
}

type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	identity *Identity
	expires  time.Time
}

var _ Resolver = (*JWTResolver)(nil)

// NewJWTResolver creates a resolver for the given issuer
func NewJWTResolver(cfg JWTConfig) *JWTResolver {
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = time.Hour
	}
	client := cfg.HTTPClient
	if client == nil {
		client = transport.NewHTTPClient(10 * time.Second)
	}
	return &JWTResolver{
		cfg:        cfg,
		httpClient: client,
		jwksCache:  &jwksCache{},
		tokenCache: &tokenCache{tokens: make(map[string]cachedToken)},
		now:        time.Now,
	}
}

// Resolve verifies the token signature, issuer, audience and expiry
func (v *JWTResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	key := tokenKey(token)
	if id, ok := v.cached(key); ok {
		return id, nil
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	jwks, err := v.getJWKS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	var claims cognitoClaims
	if err := parsed.Claims(jwks, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := claims.Validate(jwt.Expected{Issuer: v.cfg.Issuer, Time: v.now()}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// ID tokens carry the client in aud, access tokens in client_id
	if !claims.Audience.Contains(v.cfg.ClientID) && claims.ClientID != v.cfg.ClientID {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := &Identity{
		Subject:  claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		Groups:   claims.Groups,
	}
	if id.Username == "" {
		id.Username = claims.Subject
	}

	expires := v.now().Add(v.cfg.TokenCacheTTL)
	if claims.Expiry != nil && claims.Expiry.Time().Before(expires) {
		expires = claims.Expiry.Time()
	}
	v.cache(key, id, expires)

	return id, nil
}

// getJWKS fetches and caches the issuer key set
func (v *JWTResolver) getJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	v.jwksCache.mu.RLock()
	if v.jwksCache.jwks != nil && v.now().Before(v.jwksCache.expires) {
		jwks := v.jwksCache.jwks
		v.jwksCache.mu.RUnlock()
		return jwks, nil
	}
	v.jwksCache.mu.RUnlock()

	v.jwksCache.mu.Lock()
	defer v.jwksCache.mu.Unlock()

	// Double-check after acquiring write lock
	if v.jwksCache.jwks != nil && v.now().Before(v.jwksCache.expires) {
		return v.jwksCache.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed with status: %d", resp.StatusCode)
	}

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.jwksCache.jwks = &jwks
	v.jwksCache.expires = v.now().Add(v.cfg.JWKSCacheTTL)

	logrus.WithFields(logrus.Fields{
		"keys":    len(jwks.Keys),
		"jwksURL": v.cfg.JWKSURL,
	}).Debug("Refreshed JWKS")

	return &jwks, nil
}

func (v *JWTResolver) cached(key string) (*Identity, bool) {
	v.tokenCache.mu.Lock()
	defer v.tokenCache.mu.Unlock()

	if cached, exists := v.tokenCache.tokens[key]; exists {
		if v.now().Before(cached.expires) {
			return cached.identity, true
		}
		delete(v.tokenCache.tokens, key)
	}
	return nil, false
}

func (v *JWTResolver) cache(key string, id *Identity, expires time.Time) {
	if v.cfg.TokenCacheTTL <= 0 {
		return
	}
	v.tokenCache.mu.Lock()
	defer v.tokenCache.mu.Unlock()

	v.tokenCache.tokens[key] = cachedToken{identity: id, expires: expires}

	if len(v.tokenCache.tokens) > maxCachedTokens {
		now := v.now()
		for k, cached := range v.tokenCache.tokens {
			if now.After(cached.expires) {
				delete(v.tokenCache.tokens, k)
			}
		}
	}
}

func tokenKey(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.URLEncoding.EncodeToString(hash[:])
}
