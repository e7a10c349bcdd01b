package query

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"geotrack/internal/model"
)

// Authenticator checks the caller credential of a query.
type Authenticator interface {
	Authenticate(credential string) error
}

// KeyAuth accepts a single static API key, stored either in clear or as a
// bcrypt hash. The hash wins when both are set.
type KeyAuth struct {
	key  []byte
	hash []byte
}

func NewKeyAuth(key, hash string) *KeyAuth {
	a := &KeyAuth{}
	if hash != "" {
		a.hash = []byte(hash)
	} else if key != "" {
		a.key = []byte(key)
	}
	return a
}

func (a *KeyAuth) Authenticate(credential string) error {
	if credential == "" {
		return model.ErrAuth
	}
	switch {
	case a.hash != nil:
		if bcrypt.CompareHashAndPassword(a.hash, []byte(credential)) != nil {
			return model.ErrAuth
		}
	case a.key != nil:
		if subtle.ConstantTimeCompare(a.key, []byte(credential)) != 1 {
			return model.ErrAuth
		}
	default:
		return model.ErrAuth
	}
	return nil
}
