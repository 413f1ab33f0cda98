// Package pins maintains the digest pin set: a published manifest
// mapping script URLs to their expected digest declarations. Callers
// of the verification API that omit a digest fall back to the active
// pin set. The manifest lives in S3, named by its own SHA-256, with
// the current hash published in an SSM parameter; a watcher polls for
// changes and atomically swaps the active set.
package pins

import (
	"encoding/json"
	"time"

	"github.com/keithlinneman/scriptdigest/internal/digest"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

// Pin declares the expected digest for one script URL.
type Pin struct {
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

// Manifest is the wire form of a published pin set.
type Manifest struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Pins        []Pin     `json:"pins"`
}

// Set is a validated, immutable pin set ready for lookups.
type Set struct {
	Version     string
	GeneratedAt time.Time
	SHA256      string // hex hash of the manifest document
	LoadedAt    time.Time

	byURL map[string]digest.Declaration
}

// Lookup returns the pinned declaration for a URL, if any.
func (s *Set) Lookup(url string) (digest.Declaration, bool) {
	d, ok := s.byURL[url]
	return d, ok
}

// Count returns the number of pinned URLs.
func (s *Set) Count() int { return len(s.byURL) }

// ParseManifest decodes and validates a manifest document. Every pin
// must carry a URL and a digest that parses under the attribute
// grammar; a single bad entry rejects the whole manifest, since a
// half-applied pin set is worse than keeping the previous one.
func ParseManifest(data []byte) (*Set, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Wrap(err, "decode pin manifest")
	}
	if m.Version == "" {
		return nil, xerrors.New("pin manifest has no version")
	}

	byURL := make(map[string]digest.Declaration, len(m.Pins))
	for i, p := range m.Pins {
		if p.URL == "" {
			return nil, xerrors.Newf("pin %d: empty url", i)
		}
		decl, ok := digest.Parse(p.Digest)
		if !ok {
			return nil, xerrors.Newf("pin %d (%s): malformed digest %q", i, p.URL, p.Digest)
		}
		if _, dup := byURL[p.URL]; dup {
			return nil, xerrors.Newf("pin %d: duplicate url %s", i, p.URL)
		}
		byURL[p.URL] = decl
	}

	return &Set{
		Version:     m.Version,
		GeneratedAt: m.GeneratedAt,
		byURL:       byURL,
	}, nil
}
