// Package digest implements the digest attribute grammar and the
// algorithm registry used by the verification pipeline.
//
// A digest attribute is "algorithm:hash" where the algorithm name is
// 1*( ALPHA / DIGIT / "_" ) and the hash is Base64 text restricted to
// the RFC 2045 alphabet, 1*( ALPHA / DIGIT / "/" / "+" / "=" ).
// Anything outside that grammar is not an error - the enclosing
// protocol silently ignores malformed digests, so parsing yields
// absence rather than a failure value.
package digest

import "strings"

// Declaration is a parsed digest attribute. It is an immutable value:
// both fields already passed the attribute grammar, and the hash is
// kept as opaque Base64 text. Comparison against a computed digest
// happens over this canonical text form, never over decoded bytes.
type Declaration struct {
	Algorithm string
	Hash      string
}

// String re-serializes the declaration exactly as it was parsed.
func (d Declaration) String() string {
	return d.Algorithm + ":" + d.Hash
}

// Parse splits a raw digest attribute value into a Declaration.
// The second return is false when the attribute does not match the
// grammar: no colon, empty parts, or characters outside the allowed
// alphabets. Callers treat false exactly like an absent attribute.
func Parse(raw string) (Declaration, bool) {
	name, hash, ok := strings.Cut(raw, ":")
	if !ok {
		return Declaration{}, false
	}
	if !validAlgorithmName(name) || !validHashText(hash) {
		return Declaration{}, false
	}
	return Declaration{Algorithm: name, Hash: hash}, true
}

func validAlgorithmName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

func validHashText(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}
