// Package auth checks the shared secrets nodes present to each other in the
// transport hello and operators present to the admin API.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: missing bearer token")
)

type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared secret. An empty secret accepts
// nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ParseBearer extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func ParseBearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
