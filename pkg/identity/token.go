// Package identity turns bearer tokens into access-check requesters.
package identity

import (
	"context"
	"crypto"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
)

// Config configures token verification. Either HMACSecret or RSAPublicKey
// must be set.
type Config struct {
	HMACSecret   []byte
	RSAPublicKey crypto.PublicKey
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// Claims are the token claims gatekeeper reads besides the registered ones.
type Claims struct {
	jwt.RegisteredClaims
	Admin       bool     `json:"admin,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Verifier validates signed tokens.
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
}

// NewVerifier creates a verifier from cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	var methods []string
	if len(cfg.HMACSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg())
	}
	if cfg.RSAPublicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg())
	}
	if len(methods) == 0 {
		return nil, errors.New(errors.CodeInvalidRequest, "token verification needs an HMAC secret or an RSA public key")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Verify checks the token signature and claims and returns the requester it
// names. Any failure is an UNAUTHENTICATED error.
func (v *Verifier) Verify(tokenString string) (*models.Requester, error) {
	tokenString = strings.TrimSpace(tokenString)
	if rest, ok := cutPrefixFold(tokenString, "Bearer "); ok {
		tokenString = strings.TrimSpace(rest)
	}
	if tokenString == "" {
		return nil, errors.ErrInvalidToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, v.key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnauthenticated, "invalid bearer token")
	}

	if claims.Subject == "" {
		return nil, errors.ErrMissingUser
	}

	return &models.Requester{
		UserID:      claims.Subject,
		IsAdmin:     claims.Admin,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

func (v *Verifier) key(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return v.cfg.HMACSecret, nil
	case *jwt.SigningMethodRSA:
		return v.cfg.RSAPublicKey, nil
	default:
		return nil, jwt.ErrTokenUnverifiable
	}
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

type contextKey string

const contextKeyRequester contextKey = "requester"

// WithRequester returns a copy of ctx carrying r.
func WithRequester(ctx context.Context, r *models.Requester) context.Context {
	return context.WithValue(ctx, contextKeyRequester, r)
}

// FromContext extracts the requester stored by WithRequester.
func FromContext(ctx context.Context) (*models.Requester, bool) {
	r, ok := ctx.Value(contextKeyRequester).(*models.Requester)
	return r, ok && r != nil
}
