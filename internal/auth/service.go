// Package auth issues and verifies operator API tokens. Clients are
// configured statically with bcrypt-hashed secrets; a successful login
// yields an HS256 JWT whose scopes map to role permissions.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "fleetr"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedMethod  = errors.New("unsupported auth method")
)

// Client is an operator API client.
type Client struct {
	ID         string
	SecretHash string
	Scopes     []string
}

// Config configures the auth service. An empty JWTSecret is replaced by a
// random one, which invalidates tokens across restarts.
type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
	Clients   []Client
}

// Claims represents JWT claims
type Claims struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// AuthService provides authentication functionality
type AuthService struct {
	clients   map[string]Client
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config) (*AuthService, error) {
	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	clients := make(map[string]Client, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if c.ID == "" || c.SecretHash == "" {
			return nil, fmt.Errorf("client needs id and secret hash")
		}
		if _, dup := clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client %q", c.ID)
		}
		clients[c.ID] = c
	}
	return &AuthService{
		clients:   clients,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}, nil
}

// Authenticate performs authentication based on the login request
func (s *AuthService) Authenticate(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	switch req.Method {
	case AuthMethodClientSecret, "":
		return s.authenticateClientSecret(ctx, req.ClientID, req.ClientSecret)
	case AuthMethodJWT:
		return s.authenticateJWT(ctx, req.Token)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
}

func (s *AuthService) authenticateClientSecret(_ context.Context, clientID, clientSecret string) (*AuthResult, error) {
	if clientID == "" || clientSecret == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	client, ok := s.clients[clientID]
	if !ok {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	token, err := s.generateJWT(client)
	if err != nil {
		return &AuthResult{Success: false}, fmt.Errorf("failed to generate token: %w", err)
	}
	return &AuthResult{
		Success:  true,
		ClientID: client.ID,
		Scopes:   client.Scopes,
		Token:    token,
	}, nil
}

func (s *AuthService) authenticateJWT(_ context.Context, tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	// a client removed from config loses access before its token expires
	if _, known := s.clients[claims.ClientID]; !known {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	return &AuthResult{
		Success:  true,
		ClientID: claims.ClientID,
		Scopes:   claims.Scopes,
	}, nil
}

func (s *AuthService) generateJWT(client Client) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)

	claims := &Claims{
		ClientID: client.ID,
		Scopes:   client.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   client.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		Type:      "Bearer",
		Value:     tokenString,
		ExpiresAt: expiresAt,
	}, nil
}

var rolePermissions = map[string][]Permission{
	"admin": {
		{Resource: "*", Action: "*"},
	},
	"operator": {
		{Resource: ResourceHosts, Action: "*"},
		{Resource: ResourceCommands, Action: "*"},
		{Resource: ResourceDiscovery, Action: "*"},
		{Resource: ResourceInstall, Action: ActionRead},
	},
	"viewer": {
		{Resource: ResourceHosts, Action: ActionRead},
		{Resource: ResourceCommands, Action: ActionRead},
		{Resource: ResourceDiscovery, Action: ActionRead},
	},
}

// HasPermission checks whether any of scopes grants action on resource.
func (s *AuthService) HasPermission(scopes []string, resource, action string) bool {
	for _, role := range scopes {
		for _, perm := range rolePermissions[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}

// HashSecret produces the bcrypt hash stored in a client's secret_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(h), nil
}
