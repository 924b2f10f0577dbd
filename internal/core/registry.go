package core

import (
	"crypto/subtle"
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

// PCCredential is a statically configured print station. SecretHash, when
// set, is a bcrypt hash and takes precedence over Secret.
type PCCredential struct {
	ID         string
	Secret     string
	SecretHash string
}

// Registry is the immutable set of known PCs, loaded at startup.
type Registry struct {
	pcs map[string]PCCredential
}

func NewRegistry(creds []PCCredential) (*Registry, error) {
	r := &Registry{pcs: make(map[string]PCCredential, len(creds))}
	for _, c := range creds {
		if c.ID == "" {
			return nil, fmt.Errorf("pc credential without id")
		}
		if c.Secret == "" && c.SecretHash == "" {
			return nil, fmt.Errorf("pc %s has no secret", c.ID)
		}
		if _, dup := r.pcs[c.ID]; dup {
			return nil, fmt.Errorf("duplicate pc %s", c.ID)
		}
		if c.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
				return nil, fmt.Errorf("pc %s: invalid secret hash: %w", c.ID, err)
			}
		}
		r.pcs[c.ID] = c
	}
	return r, nil
}

func (r *Registry) Known(pcID string) bool {
	_, ok := r.pcs[pcID]
	return ok
}

// Authenticate checks secret against the registry entry for pcID. Unknown
// PCs and wrong secrets are indistinguishable to the caller.
func (r *Registry) Authenticate(pcID, secret string) error {
	c, ok := r.pcs[pcID]
	if !ok || secret == "" {
		return ErrUnauthorized
	}
	if c.SecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
			return ErrUnauthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.pcs))
	for id := range r.pcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
