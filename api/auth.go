package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// Auth modes accepted by AuthConfig.
const (
	AuthNone  = "none"
	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"
)

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Mode     string
	Secret   string
	Domain   string
	Audience string
	// KeyCacheTTL bounds how long a JWKS key is reused per kid.
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens and yields their subject.
type Auth struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewHS256Auth verifies tokens signed with a shared secret.
func NewHS256Auth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		secret:   secret,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		now:      time.Now,
	}
}

// NewJWKSAuth verifies RS256 tokens against a remote key set.
func NewJWKSAuth(jwks *keyfunc.JWKS, audience, issuer string, cacheTTL time.Duration) *Auth {
	if cacheTTL == 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	return &Auth{
		jwks:        jwks,
		audience:    audience,
		issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: cacheTTL,
		now:         time.Now,
	}
}

// NewAuthenticator builds the authenticator for cfg. Mode none returns nil:
// handlers then trust the user ids carried in request bodies.
func NewAuthenticator(cfg AuthConfig) (Authenticator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", AuthNone:
		return nil, nil
	case AuthHS256:
		if cfg.Secret == "" {
			return nil, errors.New("AUTH_SECRET must be set when AUTH_MODE=hs256")
		}
		return NewHS256Auth([]byte(cfg.Secret), cfg.Audience, issuerFor(cfg.Domain)), nil
	case AuthJWKS:
		if cfg.Domain == "" || cfg.Audience == "" {
			return nil, errors.New("AUTH_DOMAIN and AUTH_AUDIENCE must be set when AUTH_MODE=jwks")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return NewJWKSAuth(jwks, cfg.Audience, issuerFor(cfg.Domain), cfg.KeyCacheTTL), nil
	default:
		return nil, fmt.Errorf("unsupported AUTH_MODE %q", cfg.Mode)
	}
}

func issuerFor(domain string) string {
	if domain == "" {
		return ""
	}
	return "https://" + domain + "/"
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer validates a raw token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if a.jwks != nil {
			return a.keyForToken(t)
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// one minute of leeway for clock drift between us and the issuer
	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
