// Package middleware provides HTTP middleware for the Lab CV API.
package middleware

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/services/profiles"
	"github.com/labcv/labcv/internal/errors"
	internalhttputil "github.com/labcv/labcv/internal/httputil"
	"github.com/labcv/labcv/internal/logging"
	"github.com/labcv/labcv/supabase/client"
)

// Claims are the Supabase access token claims the API reads. The user id is
// the standard subject.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// UserResolver verifies a token remotely. *client.AuthClient satisfies it.
type UserResolver interface {
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

// ProfileEnsurer mirrors the caller into the profiles table.
type ProfileEnsurer interface {
	Ensure(ctx context.Context, id profiles.Identity) (profile.Profile, error)
}

// AuthConfig configures AuthMiddleware. At least one of JWTSecret and
// Resolver must be set.
type AuthConfig struct {
	JWTSecret string
	Resolver  UserResolver
	Profiles  ProfileEnsurer
	Logger    *logging.Logger
	SkipPaths []string
	// CacheTTL bounds how long a remotely verified token is trusted.
	CacheTTL time.Duration
}

// AuthMiddleware authenticates Supabase access tokens.
type AuthMiddleware struct {
	secret    []byte
	resolver  UserResolver
	profiles  ProfileEnsurer
	logger    *logging.Logger
	skipPaths map[string]bool
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cachedIdentity
	now   func() time.Time
}

type cachedIdentity struct {
	identity  profiles.Identity
	expiresAt time.Time
}

type profileKey struct{}

const maxCachedTokens = 10000

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("auth")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AuthMiddleware{
		secret:    []byte(cfg.JWTSecret),
		resolver:  cfg.Resolver,
		profiles:  cfg.Profiles,
		logger:    logger,
		skipPaths: skip,
		cacheTTL:  ttl,
		cache:     make(map[string]cachedIdentity),
		now:       time.Now,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		identity, err := m.authenticate(r.Context(), tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), identity.UserID)
		if m.profiles != nil {
			p, err := m.profiles.Ensure(ctx, identity)
			if err != nil {
				m.respondError(w, r, errors.Internal("No se pudo cargar tu perfil", err))
				return
			}
			ctx = logging.WithRole(ctx, string(p.Role))
			ctx = context.WithValue(ctx, profileKey{}, p)
		}

		m.logger.WithContext(ctx).WithField("user_id", identity.UserID).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.Unauthorized("")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Unauthorized("Encabezado Authorization inválido")
	}
	return strings.TrimSpace(parts[1]), nil
}

// authenticate verifies the token locally with the project JWT secret and
// falls back to the Supabase Auth API for tokens it cannot check.
func (m *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (profiles.Identity, error) {
	if len(m.secret) > 0 {
		identity, err := m.validateToken(tokenString)
		if err == nil {
			return identity, nil
		}
		if m.resolver == nil || stderrors.Is(err, jwt.ErrTokenExpired) || stderrors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return profiles.Identity{}, errors.InvalidToken(err)
		}
	}
	if m.resolver == nil {
		return profiles.Identity{}, errors.Unavailable("", stderrors.New("no token verifier configured"))
	}

	if identity, ok := m.getCached(tokenString); ok {
		return identity, nil
	}
	user, err := m.resolver.GetUser(ctx, tokenString)
	if err != nil {
		if client.IsStatus(err, http.StatusUnauthorized) || client.IsStatus(err, http.StatusForbidden) {
			return profiles.Identity{}, errors.InvalidToken(err)
		}
		return profiles.Identity{}, errors.Unavailable("", err)
	}
	identity := profiles.Identity{UserID: user.ID, Email: user.Email, FullName: user.FullName()}
	m.cacheIdentity(tokenString, identity)
	return identity, nil
}

// validateToken validates an HS256 Supabase token.
func (m *AuthMiddleware) validateToken(tokenString string) (profiles.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return profiles.Identity{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return profiles.Identity{}, jwt.ErrTokenInvalidClaims
	}
	if claims.Role == "anon" {
		return profiles.Identity{}, jwt.ErrTokenInvalidClaims
	}
	name, _ := claims.UserMetadata["full_name"].(string)
	return profiles.Identity{UserID: claims.Subject, Email: claims.Email, FullName: name}, nil
}

func (m *AuthMiddleware) getCached(token string) (profiles.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[token]
	if !ok {
		return profiles.Identity{}, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.cache, token)
		return profiles.Identity{}, false
	}
	return entry.identity, true
}

func (m *AuthMiddleware) cacheIdentity(token string, identity profiles.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.cache) >= maxCachedTokens {
		for key, entry := range m.cache {
			if now.After(entry.expiresAt) {
				delete(m.cache, key)
			}
		}
		if len(m.cache) >= maxCachedTokens {
			m.cache = make(map[string]cachedIdentity)
		}
	}
	m.cache[token] = cachedIdentity{identity: identity, expiresAt: now.Add(m.cacheTTL)}
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondServiceError(w, r, err)
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("Authentication failed")
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("", err)
	}
	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetProfile returns the profile loaded by AuthMiddleware.
func GetProfile(ctx context.Context) (profile.Profile, bool) {
	p, ok := ctx.Value(profileKey{}).(profile.Profile)
	return p, ok
}

// AdminChecker decides whether a user may use the admin surface.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// RequireAdmin rejects callers that are not administrators. It must run after
// AuthMiddleware.
func RequireAdmin(checker AdminChecker, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewDefault("auth")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r.Context())
			if userID == "" {
				internalhttputil.Unauthorized(w, "")
				return
			}
			ok, err := checker.IsAdmin(r.Context(), userID)
			if err != nil {
				respondServiceError(w, r, errors.Internal("", err))
				return
			}
			if !ok {
				logger.LogSecurityEvent(r.Context(), "admin_access_denied", map[string]interface{}{
					"user_id": userID,
					"path":    r.URL.Path,
				})
				respondServiceError(w, r, errors.Forbidden(""))
				return
			}
			next.ServeHTTP(w, r.WithContext(logging.WithRole(r.Context(), string(profile.RoleAdmin))))
		})
	}
}
