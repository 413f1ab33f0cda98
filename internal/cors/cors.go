// Package cors decides whether a fetched script response may be
// exposed to the requesting origin. It implements only the slice of
// the resource-sharing check that the verification pipeline needs:
// credential-less GET requests with no custom headers, so preflight
// never enters the picture.
package cors

import (
	"net/http"
	"strings"
)

// Verdict is the sharing decision for one response.
type Verdict int

const (
	// Denied is the default: missing header, mismatched origin, or
	// anything else short of an explicit grant.
	Denied Verdict = iota
	// Allowed means the response explicitly grants access to the
	// requesting origin, or was served same-origin.
	Allowed
)

func (v Verdict) String() string {
	if v == Allowed {
		return "allowed"
	}
	return "denied"
}

// Response is the view of response metadata the evaluator needs.
type Response struct {
	// ResourceOrigin is the origin the resource was ultimately served
	// from (after redirects), e.g. "https://cdn.example.com".
	ResourceOrigin string

	// Header carries the response headers; only
	// Access-Control-Allow-Origin is consulted here.
	Header http.Header
}

// Evaluate applies the sharing check for a credential-less GET.
// Allowed requires either a same-origin response or an explicit
// Access-Control-Allow-Origin grant: the wildcard "*" (valid because
// credentials are omitted) or a byte-exact match of the requesting
// origin. Every other shape is Denied.
func Evaluate(requestOrigin string, resp Response) Verdict {
	if requestOrigin != "" && resp.ResourceOrigin == requestOrigin {
		return Allowed
	}

	allow := ""
	if resp.Header != nil {
		allow = strings.TrimSpace(resp.Header.Get("Access-Control-Allow-Origin"))
	}
	switch {
	case allow == "":
		return Denied
	case allow == "*":
		return Allowed
	case requestOrigin != "" && allow == requestOrigin:
		return Allowed
	}
	return Denied
}
