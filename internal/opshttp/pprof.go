package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof mounts the pprof handlers under /debug/pprof/. The
// default mux registration in net/http/pprof is avoided on purpose so
// the profiles only exist on the admin mux.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
