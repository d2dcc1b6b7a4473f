package timeout

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config carries the estimator's tuning. LoadThreshold and
// LoadMultiplier are empirically tuned values; they are parameters
// rather than behavior for that reason.
type Config struct {
	// Default is the conservative baseline when no history exists or
	// the timing store is unavailable.
	Default time.Duration

	// Min and Max clamp every estimate: no execution gets an
	// unreasonably tiny or unbounded deadline.
	Min time.Duration
	Max time.Duration

	// Percentile of historical durations used as the baseline.
	Percentile float64

	// LoadThreshold is the CPU/GPU percentage above which the host is
	// considered contended; LoadMultiplier is applied to the baseline
	// then, to avoid false timeouts.
	LoadThreshold  float64
	LoadMultiplier float64

	// StoreTimeout bounds the history lookup so a slow timing store can
	// never block execution.
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Default:        5 * time.Minute,
		Min:            30 * time.Second,
		Max:            30 * time.Minute,
		Percentile:     90,
		LoadThreshold:  14.0,
		LoadMultiplier: 3.0,
		StoreTimeout:   2 * time.Second,
	}
}

// Estimator computes a deadline per execute request. Estimates are
// never cached across requests; load changes continuously.
type Estimator struct {
	log     *zap.SugaredLogger
	cfg     Config
	store   TimingStore
	monitor Monitor
}

// NewEstimator builds an estimator. store and monitor may be nil, in
// which case their contributions are skipped.
func NewEstimator(log *zap.SugaredLogger, cfg Config, store TimingStore, monitor Monitor) *Estimator {
	d := DefaultConfig()
	if cfg.Default <= 0 {
		cfg.Default = d.Default
	}
	if cfg.Min <= 0 {
		cfg.Min = d.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = d.Max
	}
	if cfg.Percentile <= 0 {
		cfg.Percentile = d.Percentile
	}
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = d.LoadThreshold
	}
	if cfg.LoadMultiplier <= 0 {
		cfg.LoadMultiplier = d.LoadMultiplier
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = d.StoreTimeout
	}
	return &Estimator{log: log.Named("timeout_estimator"), cfg: cfg, store: store, monitor: monitor}
}

// Estimate combines the historical percentile for class, a payload-size
// buffer parsed from the command, and a live load multiplier, clamped
// to [Min, Max].
func (e *Estimator) Estimate(ctx context.Context, command, class string) time.Duration {
	base := e.cfg.Default

	if e.store != nil {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		d, ok, err := e.store.Percentile(sctx, class, e.cfg.Percentile)
		cancel()
		switch {
		case err != nil:
			e.log.Debugf("timing store unavailable for class %q, using default: %s", class, err)
		case ok:
			base = d
			e.log.Debugf("historical p%.0f for class %q: %s", e.cfg.Percentile, class, d)
		}
	}

	if extra := payloadBuffer(command); extra > 0 {
		base += extra
		e.log.Debugf("payload buffer for %q: +%s", class, extra)
	}

	if e.monitor != nil {
		if load, err := e.monitor.SampleLoad(ctx); err != nil {
			e.log.Debugf("load sample failed, skipping multiplier: %s", err)
		} else if load.CPUPct > e.cfg.LoadThreshold || (load.HasGPU && load.GPUPct > e.cfg.LoadThreshold) {
			base = time.Duration(float64(base) * e.cfg.LoadMultiplier)
			e.log.Infof("system load above %.0f%% (cpu=%.1f%% gpu=%.1f%%), applying %.1fx multiplier",
				e.cfg.LoadThreshold, load.CPUPct, load.GPUPct, e.cfg.LoadMultiplier)
		}
	}

	if base < e.cfg.Min {
		base = e.cfg.Min
	}
	if base > e.cfg.Max {
		base = e.cfg.Max
	}
	return base
}

// payloadRE matches explicit size directives like "5000 words" or
// "200,000 characters" embedded in a command.
var payloadRE = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(words?|characters?|chars?|lines?)`)

// Seconds of buffer granted per unit of declared payload.
const (
	perWord = 20 * time.Millisecond
	perChar = 500 * time.Microsecond
	perLine = 40 * time.Millisecond
)

// payloadBuffer derives extra time from explicit length directives in
// the command, so a request for a large output gets proportionally more
// headroom.
func payloadBuffer(command string) time.Duration {
	var extra time.Duration
	for _, match := range payloadRE.FindAllStringSubmatch(command, -1) {
		n, err := strconv.Atoi(strings.ReplaceAll(match[1], ",", ""))
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(match[2])[0] {
		case 'w':
			extra += time.Duration(n) * perWord
		case 'c':
			extra += time.Duration(n) * perChar
		case 'l':
			extra += time.Duration(n) * perLine
		}
	}
	return extra
}
