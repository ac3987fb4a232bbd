package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyPool is returned when no data-provider credentials are configured.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool is a read-only ordered set of interchangeable credentials.
type Pool struct {
	keys []string
}

// NewPool copies keys into a pool, dropping blank entries.
func NewPool(keys []string) (*Pool, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if trimmed := strings.TrimSpace(k); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{keys: out}, nil
}

// Assign returns the credential for the job at index, round-robin.
func (p *Pool) Assign(index int) string {
	n := len(p.keys)
	i := index % n
	if i < 0 {
		i += n
	}
	return p.keys[i]
}

// Len returns the number of credentials.
func (p *Pool) Len() int {
	return len(p.keys)
}

// Mask exposes only a short prefix for operator visibility.
func Mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// Fingerprint is a stable non-reversible identifier, safe for metric labels and Redis keys.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
