// Package opshttp runs the admin HTTP server: metrics, health probes,
// and pprof. It binds separately from the public API so operational
// surfaces never ride on the verification port.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

// requireNonPublicNetwork rejects requests whose peer is not loopback,
// RFC 1918 private, or link-local. The admin port should never be
// reachable from the internet, but a second gate is kept in front of
// pprof and metrics in case a deployment exposes it by mistake.
// Unparseable peers fail closed.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "admin request from unparseable peer rejected", "peer", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		addr = addr.Unmap() // treat ::ffff:a.b.c.d as its IPv4 form
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "admin request from public peer rejected", "peer", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start admin HTTP server with /metrics, /healthz, /readyz, pprof debug endpoints
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	mux := http.NewServeMux()

	// Health endpoints; both the kube-style and the /-/ spellings
	mux.Handle("/healthz", HealthzHandler(opts.Health))
	mux.Handle("/readyz", ReadyzHandler(opts.Readiness))
	mux.Handle("/-/healthy", HealthzHandler(opts.Health))
	mux.Handle("/-/ready", ReadyzHandler(opts.Readiness))

	// Metrics
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           requireNonPublicNetwork(L, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // pprof profile captures run for 30s by default
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
