package auth

import (
	"crypto/subtle"
	"errors"
	"os"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an admin bearer token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token. An empty stored token denies
// everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FileToken reads the shared token from path on every check, so the file can
// be rotated without a restart. A missing or empty file denies everything.
func FileToken(path string) Validator {
	return FuncValidator(func(token string) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return ErrUnauthorized
		}
		return StaticToken{Token: strings.TrimSpace(string(raw))}.Validate(token)
	})
}
