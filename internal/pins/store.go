package pins

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/scriptdigest/internal/digest"
)

// Store holds the active pin set behind an atomic pointer so lookups
// never block a swap. An empty Store simply answers no lookups, which
// keeps the verification pipeline usable without any pins published.
type Store struct {
	active atomic.Pointer[Set]
}

func NewStore() *Store { return &Store{} }

// Swap installs a new active set. The previous set becomes garbage
// once in-flight lookups drain.
func (s *Store) Swap(set *Set) {
	if set == nil {
		return
	}
	cp := *set
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	s.active.Store(&cp)
}

// Get returns the active set, or false when none was loaded yet.
func (s *Store) Get() (*Set, bool) {
	set := s.active.Load()
	return set, set != nil
}

// Lookup resolves a pinned declaration by URL against the active set.
func (s *Store) Lookup(url string) (digest.Declaration, bool) {
	set := s.active.Load()
	if set == nil {
		return digest.Declaration{}, false
	}
	return set.Lookup(url)
}

// ManifestVersion returns the active manifest version, or "" when none.
func (s *Store) ManifestVersion() string {
	if set := s.active.Load(); set != nil {
		return set.Version
	}
	return ""
}

// ManifestHash returns the active manifest hash, or "" when none.
func (s *Store) ManifestHash() string {
	if set := s.active.Load(); set != nil {
		return set.SHA256
	}
	return ""
}
