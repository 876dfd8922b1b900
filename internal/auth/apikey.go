package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/util"
)

// apiKey is one accepted credential. Either the literal value or a
// bcrypt hash of it is configured, never both.
type apiKey struct {
	value   string
	hash    string
	subject string
}

func (k *apiKey) matches(presented string) bool {
	if k.hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(k.hash), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(k.value), []byte(presented)) == 1
}

// apiKeyValidator checks a presented key against the configured set.
type apiKeyValidator struct {
	keys []apiKey
}

func newAPIKeyValidator(cfgs []config.APIKeyConfig) *apiKeyValidator {
	keys := make([]apiKey, 0, len(cfgs))
	for _, c := range cfgs {
		keys = append(keys, apiKey{value: c.Key, hash: c.Hash, subject: c.Subject})
	}
	return &apiKeyValidator{keys: keys}
}

// validate returns the identity behind the presented key. Candidates
// are compared in constant time so a partial match does not leak.
func (v *apiKeyValidator) validate(presented string) (*Identity, error) {
	for i := range v.keys {
		if v.keys[i].matches(presented) {
			return &Identity{Subject: v.keys[i].subject, Method: MethodAPIKey}, nil
		}
	}
	return nil, fmt.Errorf("unknown api key: %w", util.ErrUnauthorized)
}
