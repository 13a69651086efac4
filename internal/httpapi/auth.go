package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/gymcloud/accessd/internal/observability/logger"
)

// OperatorClaims is what the operator UI's identity provider puts in the
// bearer token. The tenant claim scopes every operator request.
type OperatorClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type operatorKey struct{}

// Operator is the authenticated caller of an operator route.
type Operator struct {
	TenantID string
	Subject  string
}

func operatorFrom(ctx context.Context) Operator {
	op, _ := ctx.Value(operatorKey{}).(Operator)
	return op
}

// SignOperatorToken mints an HS256 operator token. Used by the CLI and by
// tests; production tokens normally come from the identity provider.
func SignOperatorToken(secret []byte, issuer, tenantID, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseOperatorToken(secret []byte, issuer, raw string) (Operator, error) {
	if len(secret) == 0 {
		return Operator{}, errors.New("operator auth not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30 * time.Second)}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	var claims OperatorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return secret, nil }, opts...)
	if err != nil {
		return Operator{}, err
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return Operator{}, errors.New("token has no tenant_id")
	}
	return Operator{TenantID: claims.TenantID, Subject: claims.Subject}, nil
}

// requireOperator authenticates operator routes and scopes the request
// logger to the tenant.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := parseOperatorToken(s.jwtSecret, s.jwtIssuer, bearerToken(r))
		if err != nil {
			logger.From(r.Context()).Info("operator auth rejected", logger.Err(err))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "valid operator bearer token required")
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey{}, op)
		ctx = logger.WithFields(ctx, logger.TenantID(op.TenantID), logger.Operator(op.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
