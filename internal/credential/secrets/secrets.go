// Package secrets generates credential secrets and hashes them for storage.
//
// A secret has the form "<prefix>.<random>". The prefix is stored in the
// clear as a lookup handle; only a bcrypt hash of the full secret is kept.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	dErrors "trustcore/pkg/domain-errors"
)

const (
	prefixTag   = "tc_"
	prefixBytes = 8
	secretBytes = 32
	separator   = "."
)

// ErrMismatch is returned by Verify when the secret does not match the hash.
var ErrMismatch = errors.New("secret does not match")

// Generate returns a new secret and its lookup prefix.
func Generate() (secret, prefix string, err error) {
	pbuf := make([]byte, prefixBytes)
	if _, err := rand.Read(pbuf); err != nil {
		return "", "", fmt.Errorf("could not generate key prefix: %w", err)
	}
	sbuf := make([]byte, secretBytes)
	if _, err := rand.Read(sbuf); err != nil {
		return "", "", fmt.Errorf("could not generate secret: %w", err)
	}
	prefix = prefixTag + hex.EncodeToString(pbuf)
	return prefix + separator + base64.RawURLEncoding.EncodeToString(sbuf), prefix, nil
}

// Prefix extracts the lookup prefix from a presented secret.
func Prefix(secret string) (string, bool) {
	prefix, rest, ok := strings.Cut(secret, separator)
	if !ok || rest == "" || !strings.HasPrefix(prefix, prefixTag) || len(prefix) != len(prefixTag)+2*prefixBytes {
		return "", false
	}
	return prefix, true
}

// Hasher hashes secrets at a fixed bcrypt cost.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher. A zero cost selects bcrypt.DefaultCost.
func NewHasher(cost int) (*Hasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "secret cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "secret is too long")
		}
		return "", fmt.Errorf("could not hash secret: %w", err)
	}
	return string(hashed), nil
}

// Verify checks secret against hash, returning ErrMismatch on mismatch.
func (h *Hasher) Verify(secret, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return fmt.Errorf("could not verify secret: %w", err)
	}
	return nil
}
