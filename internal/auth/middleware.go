package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/dennisdiepolder/callsync/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type Claims struct {
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Groups    []string `json:"groups"`
	Extension string   `json:"extension,omitempty"` // Agent's phone extension, when the IdP carries one
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

var (
	ErrMissingToken = errors.New("missing token")
	ErrTokenExpired = errors.New("token expired")
)

// publicPaths bypass authentication
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	issuerURL  string
	mu         sync.RWMutex
	lastUpdate time.Time
	logger     zerolog.Logger
}

// refresh fetches the JWKS from the OIDC provider
func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Construct JWKS URL (Keycloak format)
	jwksURL := strings.TrimSuffix(m.issuerURL, "/") + "/protocol/openid-connect/certs"
	m.logger.Info().Str("url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	m.jwks = k
	m.lastUpdate = time.Now()
	m.logger.Info().Msg("JWKS loaded successfully")
	return nil
}

// getKeyfunc returns the JWT keyfunc for token verification
func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Authenticator validates bearer tokens for the HTTP and WebSocket surfaces.
//
// Verification mode follows configuration: a JWT_SECRET selects HS256, an
// OIDC_ISSUER selects JWKS-backed RS/ES verification, and with neither set
// tokens are parsed unverified (development only).
type Authenticator struct {
	skip   bool
	secret []byte
	issuer string
	logger zerolog.Logger

	jwksOnce sync.Once
	jwksErr  error
	jwks     *JWKSManager

	now func() time.Time
}

// NewAuthenticator creates an authenticator from cfg
func NewAuthenticator(cfg *config.Config, logger zerolog.Logger) *Authenticator {
	a := &Authenticator{
		skip:   cfg.SkipAuth,
		issuer: cfg.OIDCIssuer,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	if !a.skip && a.secret == nil && a.issuer == "" {
		a.logger.Warn().Msg("JWT signature verification disabled (no JWT_SECRET or OIDC_ISSUER)")
	}
	return a
}

// Middleware validates JWT tokens and stores the claims in the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// In development mode, you can bypass auth
		if a.skip {
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:            "dev@callsync.local",
				Name:             "Dev User",
				Role:             "agent",
				RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		// Extract token from Authorization header or query parameter
		tokenString := extractToken(r)
		if tokenString == "" {
			a.logger.Debug().Str("path", r.URL.Path).Msg("missing authorization token")
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.Validate(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		a.logger.Debug().Str("email", claims.Email).Str("role", claims.Role).Msg("user authenticated")

		// Add user to context
		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	// Try Authorization header first
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Try query parameter (for WebSocket connections)
	return r.URL.Query().Get("token")
}

// Validate parses tokenString and maps its claims
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	mapClaims := jwt.MapClaims{}
	verified := true

	switch {
	case a.secret != nil:
		_, err := jwt.ParseWithClaims(tokenString, mapClaims, func(*jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithTimeFunc(a.now))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}

	case a.issuer != "":
		kf, err := a.keyfunc()
		if err != nil {
			return nil, err
		}
		_, err = jwt.ParseWithClaims(tokenString, mapClaims, kf,
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithIssuer(a.issuer), jwt.WithTimeFunc(a.now))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}

	default:
		verified = false
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, mapClaims); err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	claims := claimsFromMap(mapClaims)

	// Verified parsers check exp themselves
	if !verified {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(a.now()) {
				return nil, ErrTokenExpired
			}
		}
	}

	return claims, nil
}

func (a *Authenticator) keyfunc() (jwt.Keyfunc, error) {
	a.jwksOnce.Do(func() {
		a.jwks = &JWKSManager{issuerURL: a.issuer, logger: a.logger}
		a.jwksErr = a.jwks.refresh()
	})
	if a.jwksErr != nil {
		return nil, fmt.Errorf("failed to initialize JWKS: %w", a.jwksErr)
	}
	kf := a.jwks.getKeyfunc()
	if kf == nil {
		return nil, fmt.Errorf("JWKS not available")
	}
	return kf, nil
}

func claimsFromMap(mapClaims jwt.MapClaims) *Claims {
	claims := &Claims{}

	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}

	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}

	for _, key := range []string{"extension", "phone_extension", "custom:extension"} {
		if ext, ok := mapClaims[key].(string); ok && ext != "" {
			claims.Extension = strings.TrimSpace(ext)
			break
		}
	}

	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Groups = extractGroupsFromMapClaims(mapClaims)

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	return claims
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	if role, ok := mapClaims["role"].(string); ok && role != "" {
		return role
	}

	// Check realm_access.roles (Keycloak)
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			// Priority order: admin > supervisor > agent
			for _, priority := range []string{"admin", "supervisor", "agent"} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Check cognito:groups (AWS Cognito)
	if cognitoGroups, ok := mapClaims["cognito:groups"].([]interface{}); ok {
		for _, group := range cognitoGroups {
			if groupStr, ok := group.(string); ok {
				switch {
				case strings.Contains(groupStr, "admin"):
					return "admin"
				case strings.Contains(groupStr, "supervisor"):
					return "supervisor"
				case strings.Contains(groupStr, "agent"):
					return "agent"
				}
			}
		}
	}

	return "agent" // default role
}

// extractGroupsFromMapClaims extracts groups from token claims
func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if claim, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range claim {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}
