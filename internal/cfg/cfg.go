// Package cfg holds the verifierd runtime configuration: flag
// registration, environment overlay, and validation.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/scriptdigest/internal/log"
)

type App struct {
	LogJSON          bool
	LogLevel         string
	StacktraceLevel  string
	HTTPPort         int
	AdminPort        int
	EnablePprof      bool
	EnablePyroscope  bool
	EnableTracing    bool
	EnablePinUpdates bool
	PyroServer       string
	PyroTenantID     string
	OTLPEndpoint     string
	TraceSample      float64
	PinsSSMParam     string
	PinsS3Bucket     string
	PinsS3Prefix     string
	PinPollInterval  time.Duration
	FetchTimeout     time.Duration
	FetchMaxBytes    int64
	RatePerSecond    float64
	RateBurst        int
	RateMaxVisitors  int
	TrustedHops      int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.EnablePinUpdates, "enable-pin-updates", true, "Enable refreshing the pin manifest from S3/SSM")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.PinsSSMParam, "pins-ssm-param", "/app/scriptdigest/verifierd/pins/stable/release/id", "ssm parameter name to get the current pin manifest hash from")
	fs.StringVar(&c.PinsS3Bucket, "pins-s3-bucket", "phxi-build-prod-use2-deployment-artifacts", "s3 bucket name to get pin manifests from")
	fs.StringVar(&c.PinsS3Prefix, "pins-s3-prefix", "apps/scriptdigest/verifierd/pins/manifests", "s3 prefix (key) to get pin manifests from")
	fs.DurationVar(&c.PinPollInterval, "pin-poll-interval", time.Minute, "how often to poll SSM for a new pin manifest hash")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 30*time.Second, "outbound script fetch timeout")
	fs.Int64Var(&c.FetchMaxBytes, "fetch-max-bytes", 10<<20, "outbound script fetch response size cap in bytes")
	fs.Float64Var(&c.RatePerSecond, "rate-per-second", 10, "per-IP request rate limit")
	fs.IntVar(&c.RateBurst, "rate-burst", 30, "per-IP request burst")
	fs.IntVar(&c.RateMaxVisitors, "rate-max-visitors", 100000, "max tracked IPs before new IPs are rejected (0 = unlimited)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxy hops for X-Forwarded-For (0 = ignore XFF)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pin manifest config
	if c.EnablePinUpdates {
		if c.PinsSSMParam == "" {
			errs = append(errs, fmt.Errorf("PINS_SSM_PARAM is required when ENABLE_PIN_UPDATES=true"))
		}
		if c.PinsS3Bucket == "" {
			errs = append(errs, fmt.Errorf("PINS_S3_BUCKET is required when ENABLE_PIN_UPDATES=true"))
		}
		if c.PinsS3Prefix == "" {
			errs = append(errs, fmt.Errorf("PINS_S3_PREFIX is required when ENABLE_PIN_UPDATES=true"))
		}
		if c.PinPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("PIN_POLL_INTERVAL must be at least 1s (got %v)", c.PinPollInterval))
		}
	}

	// Fetch limits
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive (got %v)", c.FetchTimeout))
	}
	if c.FetchMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("FETCH_MAX_BYTES must be at least 1 (got %d)", c.FetchMaxBytes))
	}

	// Rate limiting
	if c.RatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("RATE_PER_SECOND must be positive (got %.3f)", c.RatePerSecond))
	}
	if c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be at least 1 (got %d)", c.RateBurst))
	}
	if c.RateMaxVisitors < 0 {
		errs = append(errs, fmt.Errorf("RATE_MAX_VISITORS must be >= 0 (got %d)", c.RateMaxVisitors))
	}

	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
