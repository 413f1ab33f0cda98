// Package verifyhttp exposes the verification pipeline over HTTP.
package verifyhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/scriptdigest/internal/digest"
	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/pins"
	"github.com/keithlinneman/scriptdigest/internal/verify"
)

// Verifier runs one verification request to a terminal verdict.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) verify.Verdict
}

// PinProvider resolves pinned digests and reports the active manifest.
type PinProvider interface {
	Lookup(url string) (digest.Declaration, bool)
	Get() (*pins.Set, bool)
}

// AlgorithmLister enumerates the registered digest algorithm names.
type AlgorithmLister interface {
	Names() []string
}

// API implements the verification API endpoints
type API struct {
	verifier   Verifier
	pinStore   PinProvider
	algorithms AlgorithmLister
	logger     log.Logger
}

// NewAPI creates the verification API handler. pinStore may be nil when
// the deployment publishes no pin manifest.
func NewAPI(verifier Verifier, pinStore PinProvider, algorithms AlgorithmLister, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		verifier:   verifier,
		pinStore:   pinStore,
		algorithms: algorithms,
		logger:     logger,
	}
}

// RegisterRoutes attaches verification endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api/verify", api.HandleVerify)
	r.Get("/api/algorithms", api.HandleAlgorithms)
	r.Get("/api/pins/summary", api.HandlePinsSummary)
}

// VerifyRequest is one script element load attempt. Digest carries the
// element's integrity attribute verbatim; when omitted, the active pin
// set supplies the expected digest for known URLs.
type VerifyRequest struct {
	URL    string `json:"url"`
	Origin string `json:"origin,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// VerifyResponse reports the terminal verdict. Content is the script
// body (base64 in JSON) and is only present when Execute is true.
type VerifyResponse struct {
	Execute  bool   `json:"execute"`
	Verified bool   `json:"verified"`
	Pinned   bool   `json:"pinned,omitempty"`
	Content  []byte `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PinsSummaryResponse describes the active pin manifest.
type PinsSummaryResponse struct {
	Version     string    `json:"version"`
	SHA256      string    `json:"sha256"`
	PinCount    int       `json:"pin_count"`
	GeneratedAt time.Time `json:"generated_at"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// HandleVerify runs the full pipeline for one element.
func (api *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, VerifyResponse{Error: "malformed request body"})
		return
	}
	if req.URL == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, VerifyResponse{Error: "url is required"})
		return
	}

	vreq := verify.Request{
		URL:        req.URL,
		Origin:     req.Origin,
		DigestAttr: req.Digest,
		HasDigest:  req.Digest != "",
	}

	// An explicit digest wins; otherwise a pinned URL supplies one.
	pinned := false
	if !vreq.HasDigest && api.pinStore != nil {
		if decl, ok := api.pinStore.Lookup(req.URL); ok {
			vreq.DigestAttr = decl.String()
			vreq.HasDigest = true
			pinned = true
		}
	}

	verdict := api.verifier.Verify(ctx, vreq)

	if !verdict.Execute() {
		// Both reject outcomes answer identically so a caller cannot
		// probe cross-origin content by distinguishing a digest
		// mismatch from an ordinary failed load.
		api.writeJSON(ctx, w, http.StatusBadGateway, VerifyResponse{
			Execute: false,
			Error:   "script unavailable",
		})
		return
	}

	api.logger.Debug(ctx, "served verification verdict",
		"url", req.URL,
		"outcome", verdict.Outcome.String(),
		"pinned", pinned,
	)

	api.writeJSON(ctx, w, http.StatusOK, VerifyResponse{
		Execute:  true,
		Verified: verdict.Outcome == verify.ExecuteVerified,
		Pinned:   pinned,
		Content:  verdict.Bytes,
	})
}

// HandleAlgorithms lists the digest algorithms this server accepts.
func (api *API) HandleAlgorithms(w http.ResponseWriter, r *http.Request) {
	names := api.algorithms.Names()
	sort.Strings(names)
	api.writeJSON(r.Context(), w, http.StatusOK, map[string][]string{
		"algorithms": names,
	})
}

// HandlePinsSummary serves a lightweight summary of the active manifest.
func (api *API) HandlePinsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.pinStore == nil {
		http.Error(w, `{"error":"pin manifest not configured"}`, http.StatusServiceUnavailable)
		return
	}
	set, ok := api.pinStore.Get()
	if !ok {
		http.Error(w, `{"error":"no pin manifest loaded"}`, http.StatusServiceUnavailable)
		return
	}

	resp := PinsSummaryResponse{
		Version:     set.Version,
		SHA256:      set.SHA256,
		PinCount:    set.Count(),
		GeneratedAt: set.GeneratedAt,
		LoadedAt:    set.LoadedAt.Truncate(time.Second),
	}

	api.logger.Debug(ctx, "served pin summary", "version", set.Version)

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
