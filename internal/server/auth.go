// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jllopis/tessera/pkg/errors"
)

// Claims are the bearer token claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
}

type principalKey struct{}

// Principal returns the authenticated subject of the request, if any.
func Principal(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(principalKey{}).(string)
	return sub, ok && sub != ""
}

// IssueToken signs an HS256 token for subject, valid for ttl.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) < minSecretBytes {
		return "", errors.New(errors.CodeConfig, "auth secret must be at least 16 bytes", nil)
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New(errors.CodeInvalidInput, "token subject is required", nil)
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.New(errors.CodeInternal, "sign token", err)
	}
	return signed, nil
}

type tokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func newTokenVerifier(secret, issuer string) *tokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &tokenVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (v *tokenVerifier) verify(raw string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		msg := "invalid token"
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return nil, errors.New(errors.CodeUnauthorized, msg, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New(errors.CodeUnauthorized, "invalid token", nil)
	}
	return claims, nil
}

// authMiddleware requires a valid bearer token when auth is enabled. The
// WebSocket route also accepts the token in the access_token query
// parameter, since browsers cannot set headers on the upgrade request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" && strings.HasPrefix(r.URL.Path, "/ws/") {
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			authFailures.Inc()
			w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
			s.respondError(w, r, errors.New(errors.CodeUnauthorized, "missing bearer token", nil))
			return
		}
		claims, err := s.auth.verify(raw)
		if err != nil {
			authFailures.Inc()
			w.Header().Set("WWW-Authenticate", `Bearer realm="tessera", error="invalid_token"`)
			s.respondError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
