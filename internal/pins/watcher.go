package pins

import (
	"context"
	"crypto/subtle"
	"math"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a
	// new manifest hash.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange pollResult = iota // SSM hash matches current - nothing to do
	pollSwapped                    // new hash detected, manifest loaded and swapped
	pollSSMError                   // SSM fetch failed - caller should back off
	pollLoadError                  // SSM succeeded but download/parse/swap failed
)

// ManifestFetcher is the interface the Watcher needs from a Loader.
// Extracted so tests can drive poll cycles without AWS.
type ManifestFetcher interface {
	FetchCurrentManifestHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Set, error)
}

// WatcherMetrics is implemented by the metrics package to observe
// watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveManifestLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

// WatcherOptions configures the pin manifest watcher.
type WatcherOptions struct {
	Logger       log.Logger
	Loader       ManifestFetcher
	Store        *Store
	PollInterval time.Duration

	// OnSwap is called after a successful swap, synchronously on the
	// poll goroutine. Use for metrics or cache invalidation.
	OnSwap func(hash, version string)

	// Metrics receives watcher observability signals.
	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful SSM poll
	// before the watcher reports staleness. Zero defaults to 30
	// minutes.
	StaleThreshold time.Duration
}

// Watcher polls for manifest changes and hot-swaps pin sets into the
// store.
type Watcher struct {
	loader   ManifestFetcher
	store    *Store
	logger   log.Logger
	interval time.Duration
	onSwap   func(hash, version string)
	metrics  WatcherMetrics

	// hash tracking for change detection
	currentHash string

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool
	stale          atomic.Bool

	pollCount int64
	swapCount int64
}

// NewWatcher creates a pin watcher. Call Run to start the poll loop.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// seed current hash from the store so the first poll doesn't
	// re-download what startup already loaded
	currentHash := ""
	if set, ok := opts.Store.Get(); ok {
		currentHash = set.SHA256
	}

	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	return &Watcher{
		loader:         opts.Loader,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "pin watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "pin watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "pin watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "pin watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			// staleness: report once on transition, clear on recovery
			if result != pollSSMError {
				if w.staleLogged {
					w.logger.Info(ctx, "pin watcher: staleness recovered")
					w.staleLogged = false
					w.stale.Store(false)
					if w.metrics != nil {
						w.metrics.SetWatcherStale(false)
					}
				}
			} else if time.Since(w.lastSuccessAt) > w.staleThreshold {
				if !w.staleLogged {
					w.logger.Error(ctx,
						xerrors.Newf("last successful SSM poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"pin watcher: pin set is stale, unable to verify freshness",
					)
					w.staleLogged = true
					w.stale.Store(true)
					if w.metrics != nil {
						w.metrics.SetWatcherStale(true)
					}
				}
			}
		}
	}
}

// Stale reports whether more than the stale threshold has passed since
// the last successful poll. Safe to call from any goroutine.
func (w *Watcher) Stale() bool {
	return w.stale.Load()
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	hash, err := w.loader.FetchCurrentManifestHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "pin watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	// no change - most common path
	if subtle.ConstantTimeCompare([]byte(hash), []byte(w.currentHash)) == 1 {
		return pollNoChange
	}

	w.logger.Info(ctx, "pin watcher: new manifest hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	loadStart := time.Now()
	set, err := w.loader.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObserveManifestLoadDuration(time.Since(loadStart).Seconds())
	}
	if err != nil {
		// keep serving the current pin set; a bad manifest must not
		// take down lookups
		w.logger.Error(ctx, err, "pin watcher: failed to load manifest, keeping current pins",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}

	oldHash := w.currentHash
	w.store.Swap(set)
	w.swapCount++
	w.currentHash = hash

	w.logger.Info(ctx, "pin watcher: manifest swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"version", set.Version,
		"pins", set.Count(),
		"total_swaps", w.swapCount,
	)

	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, xerrors.Newf("OnSwap panic: %v", r),
						"pin watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(hash, set.Version)
		}()
	}

	return pollSwapped
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 -> 2x interval, =2 -> 4x, =3 -> 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
