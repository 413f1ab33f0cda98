package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/keithlinneman/scriptdigest/internal/cfg"
	"github.com/keithlinneman/scriptdigest/internal/digest"
	"github.com/keithlinneman/scriptdigest/internal/fetch"
	"github.com/keithlinneman/scriptdigest/internal/httpmw"
	"github.com/keithlinneman/scriptdigest/internal/httpserver"
	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/metrics"
	"github.com/keithlinneman/scriptdigest/internal/opshttp"
	"github.com/keithlinneman/scriptdigest/internal/otelx"
	"github.com/keithlinneman/scriptdigest/internal/pins"
	"github.com/keithlinneman/scriptdigest/internal/probe"
	"github.com/keithlinneman/scriptdigest/internal/prof"
	"github.com/keithlinneman/scriptdigest/internal/ratelimit"
	"github.com/keithlinneman/scriptdigest/internal/verify"
	"github.com/keithlinneman/scriptdigest/internal/verifyhttp"
	v "github.com/keithlinneman/scriptdigest/internal/version"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

const appName = "scriptdigest"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SCRIPTDIGEST_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SCRIPTDIGEST_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "verifierd")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_pin_updates", conf.EnablePinUpdates,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"pins_ssm_param", conf.PinsSSMParam,
		"pins_s3_bucket", conf.PinsS3Bucket,
		"pins_s3_prefix", conf.PinsS3Prefix,
		"pin_poll_interval", conf.PinPollInterval,
		"fetch_timeout", conf.FetchTimeout,
		"fetch_max_bytes", conf.FetchMaxBytes,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "verifierd",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "verifierd",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "verifierd", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// core verification pipeline: registry, fetch client, verifier
	registry := digest.NewRegistry()

	fetcher := fetch.NewClient(fetch.Options{
		Logger:   L,
		Metrics:  m,
		Timeout:  conf.FetchTimeout,
		MaxBytes: conf.FetchMaxBytes,
	})

	verifier := verify.New(verify.Options{
		Fetcher:  fetcher,
		Registry: registry,
		Logger:   L,
		Metrics:  m,
	})

	// pin store starts empty; verification works without pins, known
	// URLs just lose their pinned digests until a manifest loads
	pinStore := pins.NewStore()

	var pinWatcher *pins.Watcher
	if conf.EnablePinUpdates {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}

		pinLoader, err := pins.NewLoader(ctx, pins.LoaderOptions{
			Logger:    L,
			SSMParam:  conf.PinsSSMParam,
			S3Bucket:  conf.PinsS3Bucket,
			S3Prefix:  conf.PinsS3Prefix,
			AWSConfig: &awsCfg,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create pin manifest loader, pin updates will be disabled")
		} else {
			if err := pinLoader.LoadIntoStore(ctx, pinStore); err != nil {
				L.Error(ctx, err, "failed to load initial pin manifest, starting without pins")
			} else {
				L.Info(ctx, "loaded pin manifest from S3",
					"manifest_version", pinStore.ManifestVersion(),
					"manifest_hash", pinStore.ManifestHash(),
				)
				m.SetPinManifest(pinStore.ManifestHash(), pinStore.ManifestVersion())
			}

			pinWatcher = pins.NewWatcher(&pins.WatcherOptions{
				Logger:       L,
				Loader:       pinLoader,
				Store:        pinStore,
				PollInterval: conf.PinPollInterval,
				Metrics:      m,
				OnSwap: func(hash, version string) {
					m.SetPinManifest(hash, version)
				},
			})
			// Run the watcher in a separate goroutine
			go pinWatcher.Run(ctx)
		}
	} else {
		L.Info(ctx, "pin updates disabled, serving without a pin manifest")
	}

	// verification API
	api := verifyhttp.NewAPI(verifier, pinStore, registry, L)

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// readiness: shutdown gate, plus pin staleness when the watcher is
	// running. An empty pin store is still serviceable (explicit digests
	// verify fine), so readiness never gates on the initial load, only
	// on the watcher losing contact for longer than its threshold.
	readyProbes := []probe.Probe{gate.Probe()}
	if pinWatcher != nil {
		w := pinWatcher
		readyProbes = append(readyProbes, probe.Func(func(context.Context) error {
			if w.Stale() {
				return xerrors.New("pins: manifest freshness unconfirmed")
			}
			return nil
		}))
	}
	readiness := probe.Multi(readyProbes...)

	// Setup rate limiter middleware for the verification API
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RatePerSecond, conf.RateBurst),
		ratelimit.WithMaxVisitors(conf.RateMaxVisitors),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start verification http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		&httpserver.Options{
			Port:         conf.HTTPPort,
			Logger:       L,
			Health:       probe.Static(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			ManifestInfo: pinStore,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start verification http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent
	// accidental exposure if sg is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.Static(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks so load balancers stop routing new work
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "verification http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
