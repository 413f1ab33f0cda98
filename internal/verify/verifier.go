// Package verify orchestrates the integrity decision for one script
// element: attribute parsing, the sharing/fallback state machine, and
// the digest comparison. The whole pipeline after the fetch is a pure
// function over materialized bytes, so verdicts are deterministic and
// every element can be verified concurrently with no shared state.
package verify

import (
	"context"

	"github.com/keithlinneman/scriptdigest/internal/cors"
	"github.com/keithlinneman/scriptdigest/internal/digest"
	"github.com/keithlinneman/scriptdigest/internal/fetch"
	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/marker"
)

// Fetcher is the transport collaborator. A nil *fetch.Outcome with a
// nil error is never returned.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, requestOrigin string) (*fetch.Outcome, error)
}

// Metrics receives verdict observability signals.
type Metrics interface {
	IncVerdict(outcome string)
	IncSkip(reason string)
}

// Request describes one script element load attempt.
type Request struct {
	// URL is the element's resource source. Empty means the element
	// has no resource to verify.
	URL string

	// Origin is the requesting document's origin.
	Origin string

	// DigestAttr is the raw digest attribute value; only meaningful
	// when HasDigest is true.
	DigestAttr string

	// HasDigest distinguishes an absent attribute from an empty one.
	HasDigest bool
}

// Options configures a Verifier.
type Options struct {
	Fetcher  Fetcher
	Registry *digest.Registry
	Logger   log.Logger
	Metrics  Metrics
}

// Verifier runs the verification pipeline. Safe for concurrent use.
type Verifier struct {
	fetcher  Fetcher
	registry *digest.Registry
	logger   log.Logger
	metrics  Metrics
}

func New(opts Options) *Verifier {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Registry == nil {
		opts.Registry = digest.NewRegistry()
	}
	return &Verifier{
		fetcher:  opts.Fetcher,
		registry: opts.Registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// pipeline states; each run walks them forward exactly once.
type state int

const (
	stateStart state = iota
	stateAttributeParsed
	stateFetched
	stateSharingEvaluated
	stateFallbackScanned
	stateDecided
)

// Verify runs the full pipeline for one element, including the fetch.
// All failure kinds resolve into the returned verdict; no error is
// surfaced to the caller. Cancelling ctx abandons the in-flight fetch
// and yields a network-reject verdict that callers tearing down will
// discard.
func (v *Verifier) Verify(ctx context.Context, req Request) Verdict {
	decl, declOK, skip := v.parseAttribute(ctx, req)

	if req.URL == "" {
		// no resource source: plain inline element, nothing to verify
		// or fetch
		return v.finish(ctx, Verdict{Outcome: ExecuteUnverified, Skip: skip})
	}

	out, err := v.fetcher.Fetch(ctx, req.URL, req.Origin)
	if err != nil {
		v.logger.Warn(ctx, "script fetch failed",
			"url", req.URL,
			"err", err.Error(),
		)
		return v.finish(ctx, Verdict{Outcome: RejectNetwork})
	}

	return v.finish(ctx, v.decide(ctx, req, decl, declOK, skip, out))
}

// Decide runs the post-fetch decision pipeline over an already
// materialized outcome. It is a pure function of the element
// attributes and the fetch outcome, which is what makes verdicts
// testable without a transport.
func (v *Verifier) Decide(ctx context.Context, req Request, out *fetch.Outcome) Verdict {
	decl, declOK, skip := v.parseAttribute(ctx, req)
	return v.finish(ctx, v.decide(ctx, req, decl, declOK, skip, out))
}

// parseAttribute is stateStart -> stateAttributeParsed. It yields the
// declaration, or absence plus the skip branch explaining it.
func (v *Verifier) parseAttribute(ctx context.Context, req Request) (digest.Declaration, bool, Skip) {
	if !req.HasDigest || req.URL == "" {
		return digest.Declaration{}, false, SkipNoDeclaration
	}
	decl, ok := digest.Parse(req.DigestAttr)
	if !ok {
		v.logger.Warn(ctx, "ignoring malformed digest attribute",
			"url", req.URL,
			"digest", req.DigestAttr,
		)
		return digest.Declaration{}, false, SkipMalformedDeclaration
	}
	return decl, true, SkipNone
}

// decide walks stateFetched through stateDecided.
func (v *Verifier) decide(ctx context.Context, req Request, decl digest.Declaration, declOK bool, skip Skip, out *fetch.Outcome) Verdict {
	st := stateFetched
	for {
		switch st {
		case stateFetched:
			if !declOK {
				// silent-ignore: unverified execution of whatever was
				// fetched, sharing and fallback never consulted
				return Verdict{Outcome: ExecuteUnverified, Bytes: out.Bytes, Skip: skip}
			}
			st = stateSharingEvaluated

		case stateSharingEvaluated:
			verdict := cors.Evaluate(req.Origin, cors.Response{
				ResourceOrigin: out.Origin,
				Header:         out.Header,
			})
			if verdict == cors.Allowed {
				st = stateDecided
				break
			}
			st = stateFallbackScanned

		case stateFallbackScanned:
			if !marker.Scan(out.Bytes) {
				// cross-origin response with no opt-in: treated as a
				// network-error equivalent, indistinguishable from a
				// failed fetch
				v.logger.Warn(ctx, "sharing check denied and no opt-in marker",
					"url", req.URL,
					"origin", req.Origin,
					"resource_origin", out.Origin,
				)
				return Verdict{Outcome: RejectNetwork}
			}
			st = stateDecided

		case stateDecided:
			return v.compare(ctx, req, decl, out)
		}
	}
}

// compare resolves the algorithm and compares digests (steps 5-7).
func (v *Verifier) compare(ctx context.Context, req Request, decl digest.Declaration, out *fetch.Outcome) Verdict {
	alg, ok := v.registry.Lookup(decl.Algorithm)
	if !ok {
		// unsupported algorithm is the other silent-ignore case
		v.logger.Warn(ctx, "ignoring digest with unsupported algorithm",
			"url", req.URL,
			"algorithm", decl.Algorithm,
		)
		return Verdict{Outcome: ExecuteUnverified, Bytes: out.Bytes, Skip: SkipUnsupportedAlgorithm}
	}

	computed := alg.Sum(out.Bytes)
	if digest.Equal(computed, decl.Hash) {
		return Verdict{Outcome: ExecuteVerified, Bytes: out.Bytes}
	}

	v.logger.Warn(ctx, "digest mismatch",
		"url", req.URL,
		"algorithm", decl.Algorithm,
		"declared", decl.Hash,
		"computed", computed,
	)
	return Verdict{Outcome: RejectMismatch}
}

// finish records metrics for a terminal verdict.
func (v *Verifier) finish(ctx context.Context, verdict Verdict) Verdict {
	if v.metrics != nil {
		v.metrics.IncVerdict(verdict.Outcome.String())
		if verdict.Skip != SkipNone {
			v.metrics.IncSkip(verdict.Skip.String())
		}
	}
	return verdict
}
