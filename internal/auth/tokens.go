package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/donasi-payments/internal/common"
)

const rolesClaim = "roles"

// Claims is the authenticated principal carried by an operator token.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal was granted role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tokens verifies HMAC access tokens issued by the platform's identity
// service for operator endpoints.
type Tokens struct {
	Secret    []byte
	Validator TokenValidator
	Now       func() time.Time
}

// NewTokens builds an HS256 verifier.
func NewTokens(secret, issuer, audience string) (*Tokens, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 characters")
	}
	return &Tokens{
		Secret: []byte(secret),
		Validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: 30 * time.Second,
			Algorithm: jwa.HS256,
		},
	}, nil
}

// Parse verifies the signature and registered claims of raw.
func (t *Tokens) Parse(raw string) (Claims, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Claims{}, unauthorized(errNoToken)
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	if algorithm != t.algorithm() {
		return Claims{}, unauthorized(fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, t.Secret), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	if err := t.Validator.Validate(parsed, algorithm, t.now()); err != nil {
		return Claims{}, unauthorized(err)
	}
	return Claims{Subject: parsed.Subject(), Roles: rolesOf(parsed)}, nil
}

func (t *Tokens) algorithm() jwa.SignatureAlgorithm {
	if t.Validator.Algorithm == "" {
		return jwa.HS256
	}
	return t.Validator.Algorithm
}

func (t *Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func rolesOf(tok jwt.Token) []string {
	v, ok := tok.Get(rolesClaim)
	if !ok {
		return nil
	}
	switch roles := v.(type) {
	case []string:
		return roles
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(roles)
	}
	return nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		switch {
		case alg == "":
			return "", errors.New("auth: token missing algorithm")
		case alg == jwa.NoSignature:
			return "", errors.New("auth: token uses none algorithm")
		case algorithm == "":
			algorithm = alg
		case algorithm != alg:
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func unauthorized(err error) error {
	return common.NewAppError("UNAUTHORIZED", "missing or invalid token", http.StatusUnauthorized, err)
}
