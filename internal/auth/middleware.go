package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Middleware guards gin routes. A disabled middleware lets everything through.
type Middleware struct {
	authService *AuthService
	enabled     bool
}

func NewMiddleware(svc *AuthService, enabled bool) *Middleware {
	return &Middleware{authService: svc, enabled: enabled && svc != nil}
}

func (m *Middleware) Enabled() bool { return m.enabled }

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		authResult, err := m.authenticate(c.Request)
		if err != nil || !authResult.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		c.Set(string(ResultKey), authResult)
		c.Next()
	}
}

// GinRequirePermission returns a Gin middleware that requires specific permissions
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		v, exists := c.Get(string(ResultKey))
		result, ok := v.(*AuthResult)
		if !exists || !ok || !result.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if !m.authService.HasPermission(result.Scopes, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Next()
	}
}

// authenticate accepts a bearer JWT or client credentials via basic auth.
func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.authService.Authenticate(r.Context(), LoginRequest{
				Method: AuthMethodJWT,
				Token:  parts[1],
			})
		}
	}

	if clientID, secret, ok := r.BasicAuth(); ok {
		return m.authService.Authenticate(r.Context(), LoginRequest{
			Method:       AuthMethodClientSecret,
			ClientID:     clientID,
			ClientSecret: secret,
		})
	}

	return &AuthResult{Success: false}, ErrInvalidCredentials
}
