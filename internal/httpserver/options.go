package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/scriptdigest/internal/httpmw"
	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. to increment a counter
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       probe.Probe
	Readiness    probe.Probe
	ManifestInfo httpmw.ManifestInfo // For X-Pin-Manifest-Version and X-Pin-Manifest-Hash headers
	MaxBodyBytes int64               // Request body cap; defaults to 64 KB
	APIRoutes    func(chi.Router)    // Registers the verification API endpoints
}
