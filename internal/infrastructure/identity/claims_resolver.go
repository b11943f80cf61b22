package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tally.com/internal/domain/port"
	"tally.com/internal/infrastructure/logger"
)

// DefaultClaim is the claim carrying the caller id when none is configured.
const DefaultClaim = "custom:username"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("identity claim not present")
)

var _ port.IdentityResolver = (*ClaimsResolver)(nil)

// ClaimsResolver reads the caller id from a bearer JWT. With a secret the
// HS256 signature and registered claims are verified; without one the token
// is trusted as already verified upstream and only decoded.
type ClaimsResolver struct {
	secret []byte
	claim  string
	parser *jwt.Parser
	logger logger.Logger
}

// NewClaimsResolver creates a new claims resolver
func NewClaimsResolver(secret, claim string, logger logger.Logger) *ClaimsResolver {
	if claim == "" {
		claim = DefaultClaim
	}
	return &ClaimsResolver{
		secret: []byte(secret),
		claim:  claim,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		logger: logger,
	}
}

// Identify returns the caller id carried by the request's Authorization header.
func (v *ClaimsResolver) Identify(ctx context.Context, r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, tokenString, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrMissingToken)
	}

	claims := jwt.MapClaims{}
	if len(v.secret) == 0 {
		if _, _, err := v.parser.ParseUnverified(tokenString, claims); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
		if err != nil {
			v.logger.LogWarning(ctx, "Token validation failed", "error", err.Error())
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !token.Valid {
			return "", ErrInvalidToken
		}
	}

	id, _ := claims[v.claim].(string)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingClaim, v.claim)
	}
	return id, nil
}
