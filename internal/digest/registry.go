package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"sync"
)

// Algorithm computes a digest over raw resource bytes and returns it
// as unwrapped Base64 text (RFC 2045 alphabet, no line breaks). Both
// the declared and computed side of a comparison must come from the
// same canonical encoder, so implementations use base64.StdEncoding.
type Algorithm interface {
	Sum(data []byte) string
}

// Func adapts a plain function into an Algorithm.
type Func func(data []byte) string

func (f Func) Sum(data []byte) string { return f(data) }

// Registry maps algorithm names to implementations. Unknown names at
// lookup time yield absence; callers treat that exactly like a missing
// digest attribute. Read-mostly: Register at startup, Lookup anywhere.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

// NewRegistry returns a registry with the one mandated built-in,
// "sha256" (FIPS 180-4 SHA-256, 44 Base64 characters with padding).
func NewRegistry() *Registry {
	r := &Registry{algs: make(map[string]Algorithm)}
	r.Register("sha256", Func(SHA256Base64))
	return r
}

// Register adds or replaces an algorithm implementation.
func (r *Registry) Register(name string, alg Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algs[name] = alg
}

// Lookup resolves an algorithm by its declared name.
func (r *Registry) Lookup(name string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alg, ok := r.algs[name]
	return alg, ok
}

// Names returns the registered algorithm names, for diagnostics and
// the API surface. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.algs))
	for name := range r.algs {
		out = append(out, name)
	}
	return out
}

// SHA256Base64 computes the SHA-256 digest of data and encodes the
// 32-byte result as standard Base64.
func SHA256Base64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

// Equal performs constant-time comparison of two digest strings to
// avoid leaking the position of the first mismatching character.
// Inputs of different length compare unequal in constant structure.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
