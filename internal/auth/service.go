// Package auth issues and validates bearer tokens for the /v1 API.
//
// Two kinds of tokens exist. User tokens carry an organisation and grant
// access to every estate in it. Agent tokens are bound to a single estate
// and only unlock the bootstrap endpoint.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrForbidden        = errors.New("forbidden")
)

// Scope distinguishes user tokens from estate agent tokens.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeAgent Scope = "agent"
)

// Claims is the validated identity carried by a token.
type Claims struct {
	Subject  string
	Scope    Scope
	OrgID    string
	EstateID string
	Exp      time.Time
}

// CanAccessOrg reports whether the claims may act on orgID.
func (c *Claims) CanAccessOrg(orgID string) bool {
	return c.Scope == ScopeUser && c.OrgID != "" && c.OrgID == orgID
}

// CanAccessEstate reports whether the claims may act on an estate owned by orgID.
func (c *Claims) CanAccessEstate(estateID, orgID string) bool {
	switch c.Scope {
	case ScopeUser:
		return c.CanAccessOrg(orgID)
	case ScopeAgent:
		return c.EstateID != "" && c.EstateID == estateID
	}
	return false
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
	// AgentTokenExpiry applies to agent tokens. Zero means no expiry.
	AgentTokenExpiry time.Duration
}

// Service issues and validates JWTs.
type Service struct {
	jwtSecret        []byte
	tokenExpiry      time.Duration
	agentTokenExpiry time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewService creates a new authentication service.
func NewService(cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jwtSecret:        cfg.JWTSecret,
		tokenExpiry:      cfg.TokenExpiry,
		agentTokenExpiry: cfg.AgentTokenExpiry,
		logger:           logger,
		now:              time.Now,
	}
}

// GenerateToken creates a user token scoped to orgID.
func (s *Service) GenerateToken(userID, orgID string) (string, error) {
	if userID == "" || orgID == "" {
		return "", ErrMissingClaims
	}
	return s.sign(jwt.MapClaims{
		"sub":    userID,
		"scope":  string(ScopeUser),
		"org_id": orgID,
	}, s.tokenExpiry)
}

// GenerateAgentToken creates a token an estate agent uses to fetch its
// bootstrap environment.
func (s *Service) GenerateAgentToken(estateID string) (string, error) {
	if estateID == "" {
		return "", ErrMissingClaims
	}
	return s.sign(jwt.MapClaims{
		"sub":       "agent:" + estateID,
		"scope":     string(ScopeAgent),
		"estate_id": estateID,
	}, s.agentTokenExpiry)
}

func (s *Service) sign(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	now := s.now()
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims["sub"].(string)
	scope, _ := mapClaims["scope"].(string)
	claims.Scope = Scope(scope)
	claims.OrgID, _ = mapClaims["org_id"].(string)
	claims.EstateID, _ = mapClaims["estate_id"].(string)
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.Exp = time.Unix(int64(exp), 0)
	}

	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}
	switch claims.Scope {
	case ScopeUser:
		if claims.OrgID == "" {
			return nil, ErrMissingClaims
		}
	case ScopeAgent:
		if claims.EstateID == "" {
			return nil, ErrMissingClaims
		}
	default:
		return nil, ErrMissingClaims
	}

	return claims, nil
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
