package metacache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPriority          = 3
	defaultScanSize          = 100
	defaultRevalidateTimeout = 5 * time.Second
)

// RevalidateFunc produces a fresh value for a stale key.
// The key is passed without the configured prefix.
type RevalidateFunc func(ctx context.Context, key string) ([]byte, error)

// PurgedFunc observes the keys removed by one purge, in eviction order and
// without the configured prefix.
type PurgedFunc func(keys []string)

// config holds every recognised option. Zero values are never used directly:
// defaultConfig fills them in before options apply.
type config struct {
	clock             clockwork.Clock
	logger            *slog.Logger
	meterProvider     metric.MeterProvider
	revalidate        RevalidateFunc
	purged            PurgedFunc
	keyPrefix         string
	scanSize          int
	priority          int
	recheckDelay      time.Duration
	revalidateTimeout time.Duration
}

func defaultConfig() config {
	return config{
		clock:             clockwork.NewRealClock(),
		logger:            slog.Default(),
		meterProvider:     otel.GetMeterProvider(),
		scanSize:          defaultScanSize,
		priority:          defaultPriority,
		recheckDelay:      -1,
		revalidateTimeout: defaultRevalidateTimeout,
	}
}

func (c *config) validate() error {
	var errs []error
	if c.scanSize < 0 {
		errs = append(errs, errors.New("scan size must not be negative"))
	}
	if c.priority < 1 {
		errs = append(errs, errors.New("default priority must be at least 1"))
	}
	if c.revalidateTimeout <= 0 {
		errs = append(errs, errors.New("revalidate timeout must be positive"))
	}
	if c.clock == nil {
		errs = append(errs, errors.New("clock must not be nil"))
	}
	if c.logger == nil {
		errs = append(errs, errors.New("logger must not be nil"))
	}
	if c.meterProvider == nil {
		errs = append(errs, errors.New("meter provider must not be nil"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring a Cache.
type Option func(*config)

// WithKeyPrefix namespaces every backend key. Only keys with the prefix are
// scanned into the registry.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.keyPrefix = prefix
	}
}

// WithScanSize sets how many keys are read from the backend at construction,
// and the page size of later scans. 0 defers all building to first use.
func WithScanSize(n int) Option {
	return func(c *config) {
		c.scanSize = n
	}
}

// WithRecheckDelay sets how long writes stay disabled after quota exhaustion.
// A negative delay disables writes until Enable is called.
func WithRecheckDelay(d time.Duration) Option {
	return func(c *config) {
		c.recheckDelay = d
	}
}

// WithRevalidate sets the function used to refresh stale values.
// Without it, stale values are served until their grace period ends.
func WithRevalidate(fn RevalidateFunc) Option {
	return func(c *config) {
		c.revalidate = fn
	}
}

// WithRevalidateTimeout bounds each revalidation call. A timeout counts as a
// failed revalidation.
func WithRevalidateTimeout(d time.Duration) Option {
	return func(c *config) {
		c.revalidateTimeout = d
	}
}

// WithPurged registers an observer for purged keys.
func WithPurged(fn PurgedFunc) Option {
	return func(c *config) {
		c.purged = fn
	}
}

// WithPriority sets the priority used when SetOptions.Priority is 0.
func WithPriority(p int) Option {
	return func(c *config) {
		c.priority = p
	}
}

// WithClock replaces the wall clock, typically with a clockwork fake in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMeterProvider sets where cache metrics are reported.
// The default is the global OpenTelemetry provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}
