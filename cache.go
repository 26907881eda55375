// Package metacache is a write-through LRU cache layered on an opaque
// key-value store.
//
// Every stored value carries a small text header holding its access time,
// expiry, max-age, stale-while-revalidate window and eviction priority. The
// cache keeps those headers in memory, serves HTTP-style freshness semantics
// from them, and evicts by them when the store runs out of space.
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/codeGROOVE-dev/metacache/pkg/cachecontrol"
	"github.com/codeGROOVE-dev/metacache/pkg/persist"
	"github.com/codeGROOVE-dev/metacache/pkg/record"
)

// Meta describes a stored value.
type Meta struct {
	Access   time.Time
	Expires  time.Time
	MaxAge   time.Duration
	Stale    time.Duration // stale-while-revalidate window
	Priority int
	Size     int  // encoded bytes, header included
	IsStale  bool // expired but served inside the stale window
}

func metaFrom(m record.Meta, isStale bool) Meta {
	return Meta{
		Access:   time.Unix(m.Access, 0),
		Expires:  time.Unix(m.Expires, 0),
		MaxAge:   time.Duration(m.MaxAge) * time.Second,
		Stale:    time.Duration(m.Stale) * time.Second,
		Priority: m.Priority,
		Size:     m.Size,
		IsStale:  isStale,
	}
}

// Item is a value returned by Get.
type Item struct {
	Value []byte
	Meta  Meta
}

// SetOptions control how a value is stored.
type SetOptions struct {
	// CacheControl must carry a positive max-age and may carry
	// stale-while-revalidate. no-cache and no-store are rejected.
	CacheControl string
	// Priority weights eviction of stale values; larger is evicted sooner.
	// 0 selects the configured default.
	Priority int
}

// StatsOptions control what Stats computes.
type StatsOptions struct {
	// DiskUsage totals the registry. It lists every key in the store first.
	DiskUsage bool
}

// DiskUsage is the record count and encoded size known to the registry.
type DiskUsage struct {
	Count int
	Size  int64
}

// Stats are process-lifetime counters.
type Stats struct {
	DiskUsage         *DiskUsage
	Hit               int64
	Miss              int64
	Stale             int64
	Error             int64
	RevalidateSuccess int64
	RevalidateFailure int64
	Disables          int64
	Enabled           bool
}

type counters struct {
	hit, miss, stale, errors int64
	revalidateOK             int64
	revalidateFailed         int64
}

// Cache is a metadata-driven cache over a persist.Store.
// It is safe for concurrent use.
//
//nolint:govet // fieldalignment - mutex grouped with the state it guards
type Cache struct {
	store   persist.Store
	log     *slog.Logger
	bp      *backpressure
	flights *xsync.Map[string, struct{}]
	metrics metric.Registration
	bg      context.Context //nolint:containedctx // parent of revalidation calls, cancelled by Close
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	cfg     config

	mu     sync.Mutex
	reg    *registry
	stats  counters
	closed bool // no new revalidations once set
}

// New creates a cache over store and reads up to the configured scan size of
// record headers from it.
func New(ctx context.Context, store persist.Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("metacache: store is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("metacache: invalid config: %w", err)
	}

	c := &Cache{
		store:   store,
		cfg:     cfg,
		log:     cfg.logger,
		reg:     newRegistry(),
		bp:      newBackpressure(cfg.clock, cfg.recheckDelay, cfg.logger),
		flights: xsync.NewMap[string, struct{}](),
	}
	c.bg, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if cfg.scanSize > 0 {
		c.mu.Lock()
		err := c.buildLocked(ctx, cfg.scanSize)
		c.mu.Unlock()
		if err != nil {
			// Not fatal: point lookups and later scans fill the registry.
			c.log.Warn("initial registry build failed", "prefix", cfg.keyPrefix, "error", err)
		}
	}

	reg, err := c.registerMetrics()
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("metacache: register metrics: %w", err)
	}
	c.metrics = reg

	c.log.Debug("initialized cache", "prefix", cfg.keyPrefix, "records", c.reg.len(), "bytes", c.reg.bytes())
	return c, nil
}

func (c *Cache) now() int64 {
	return c.cfg.clock.Now().Unix()
}

func (c *Cache) unprefix(full string) string {
	return strings.TrimPrefix(full, c.cfg.keyPrefix)
}

// buildLocked lists keys from the store and reads their headers into the
// registry, resuming where the last call stopped. It reads at least limit new
// records, or all of them when limit < 0.
func (c *Cache) buildLocked(ctx context.Context, limit int) error {
	page := c.cfg.scanSize
	if page == 0 {
		page = defaultScanSize
	}
	loaded := 0
	for !c.reg.complete && (limit < 0 || loaded < limit) {
		keys, next, err := c.store.Scan(ctx, c.cfg.keyPrefix, c.reg.cursor, page)
		if err != nil {
			return fmt.Errorf("scan %q: %w", c.cfg.keyPrefix, err)
		}
		for _, k := range keys {
			if _, ok := c.reg.get(k); ok || !strings.HasPrefix(k, c.cfg.keyPrefix) {
				continue
			}
			data, found, err := c.store.Get(ctx, k)
			if size, ok := persist.CorruptSize(err); ok {
				c.reg.putCorrupt(k, size)
				loaded++
				continue
			}
			if err != nil {
				c.log.Warn("read during scan failed", "key", k, "error", err)
				continue
			}
			if !found {
				continue
			}
			c.track(k, data)
			loaded++
		}
		c.reg.cursor = next
		if next == "" {
			c.reg.complete = true
		}
	}
	if c.reg.complete {
		c.log.Debug("registry built", "prefix", c.cfg.keyPrefix, "records", c.reg.len())
	}
	return nil
}

// track records the header of stored bytes, or a corrupt entry.
func (c *Cache) track(key string, data []byte) {
	m, _, err := record.Decode(data)
	if err != nil {
		c.reg.putCorrupt(key, len(data))
		return
	}
	c.reg.put(key, m)
}

// keyValidator is implemented by stores that restrict key syntax.
type keyValidator interface {
	ValidateKey(key string) error
}

func (c *Cache) checkKey(op, key string) error {
	if key == "" {
		return newError(CodeInvalidKey, op, key, nil)
	}
	if v, ok := c.store.(keyValidator); ok {
		if err := v.ValidateKey(c.cfg.keyPrefix + key); err != nil {
			return newError(CodeInvalidKey, op, key, err)
		}
	}
	return nil
}

// Get returns the value for key.
// found is false for absent and truly stale records; a truly stale record is
// deleted. A stale record inside its window is returned with Meta.IsStale set
// and revalidated in the background.
func (c *Cache) Get(ctx context.Context, key string) (item Item, found bool, err error) {
	if err := c.checkKey("get", key); err != nil {
		return Item{}, false, err
	}
	full := c.cfg.keyPrefix + key

	c.mu.Lock()
	item, found, written, err := c.getLocked(ctx, full, key)
	c.mu.Unlock()

	if found && item.Meta.IsStale {
		c.revalidate(full, key, written)
	}
	return item, found, err
}

//nolint:gocritic // unnamedResult - internal
func (c *Cache) getLocked(ctx context.Context, full, key string) (Item, bool, uint64, error) {
	data, ok, err := c.store.Get(ctx, full)
	if size, corrupt := persist.CorruptSize(err); corrupt {
		c.reg.putCorrupt(full, size)
		c.stats.errors++
		return Item{}, false, 0, newError(CodeDeserialize, "get", key, err)
	}
	if err != nil {
		return Item{}, false, 0, fmt.Errorf("metacache: get %q: %w", key, err)
	}
	if !ok {
		c.reg.remove(full)
		c.stats.miss++
		return Item{}, false, 0, nil
	}

	m, value, err := record.Decode(data)
	if err != nil {
		c.reg.putCorrupt(full, len(data))
		c.stats.errors++
		return Item{}, false, 0, newError(CodeDeserialize, "get", key, err)
	}

	now := c.now()
	state := classify(m, now)
	if state == trulyStale {
		c.stats.miss++
		if err := c.store.Delete(ctx, full); err != nil {
			c.log.Warn("delete of truly stale record failed", "key", full, "error", err)
			c.reg.put(full, m)
			return Item{}, false, 0, nil
		}
		c.reg.remove(full)
		c.log.Debug("removed truly stale record", "key", full, "expired", now-m.Expires)
		return Item{}, false, 0, nil
	}

	// The on-store header is what the registry tracks if the rewrite fails.
	e := c.reg.put(full, m)
	bumped := m
	bumped.Access = max(now, m.Access+1)
	if enc, err := record.Encode(bumped, value); err != nil {
		c.log.Warn("encode access update failed", "key", full, "error", err)
	} else if err := c.store.Set(ctx, full, enc); err != nil {
		c.log.Warn("access update failed", "key", full, "error", err)
	} else {
		bumped.Size = len(enc)
		e = c.reg.put(full, bumped)
		m = bumped
	}

	c.stats.hit++
	if state == stale {
		c.stats.stale++
	}
	return Item{Value: value, Meta: metaFrom(m, state == stale)}, true, e.written, nil
}

// GetJSON decodes the value for key into v.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (Meta, bool, error) {
	item, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return item.Meta, found, err
	}
	if err := json.Unmarshal(item.Value, v); err != nil {
		c.mu.Lock()
		c.stats.errors++
		c.mu.Unlock()
		return item.Meta, false, newError(CodeDeserialize, "get", key, err)
	}
	return item.Meta, true, nil
}

// revalidate refreshes a stale record in the background. At most one
// revalidation per key runs at a time.
func (c *Cache) revalidate(full, key string, written uint64) {
	fn := c.cfg.revalidate
	if fn == nil {
		return
	}
	if _, loaded := c.flights.LoadOrStore(full, struct{}{}); loaded {
		return
	}
	// wg.Add must not race with the Wait in Close.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.flights.Delete(full)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		defer c.flights.Delete(full)

		ctx, cancel := context.WithTimeout(c.bg, c.cfg.revalidateTimeout)
		value, err := fn(ctx, key)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.stats.revalidateFailed++
			c.log.Debug("revalidation failed", "key", key, "error", err)
			return
		}
		c.applyRevalidation(full, key, value, written)
	}()
}

// applyRevalidation stores a revalidated value unless the record was
// replaced or removed since the read that triggered it. The caller holds c.mu.
func (c *Cache) applyRevalidation(full, key string, value []byte, written uint64) {
	e, ok := c.reg.get(full)
	if !ok || e.corrupt || e.written != written {
		c.log.Debug("revalidation result discarded", "key", key, "present", ok)
		return
	}
	now := c.now()
	m := e.meta
	m.Expires = math.MaxInt64
	if m.MaxAge <= math.MaxInt64-now {
		m.Expires = now + m.MaxAge
	}
	m.Access = max(now, m.Access+1)
	enc, err := record.Encode(m, value)
	if err == nil {
		err = c.store.Set(c.bg, full, enc)
	}
	if err != nil {
		c.stats.revalidateFailed++
		c.log.Warn("store revalidated value failed", "key", key, "error", err)
		return
	}
	m.Size = len(enc)
	c.reg.put(full, m)
	c.stats.revalidateOK++
	c.log.Debug("revalidated", "key", key, "expires", m.Expires, "size", m.Size)
}

// metaFor validates opts and builds the header for a write at now.
func (c *Cache) metaFor(key string, opts SetOptions, now int64) (record.Meta, error) {
	invalid := func(format string, args ...any) (record.Meta, error) {
		return record.Meta{}, newError(CodeInvalidCacheControl, "set", key, fmt.Errorf(format, args...))
	}
	if strings.TrimSpace(opts.CacheControl) == "" {
		return invalid("cache control is required")
	}
	cc := cachecontrol.Parse(opts.CacheControl)
	if cc.NoCache() {
		return invalid("%s is not cacheable", cachecontrol.NoCache)
	}
	if cc.NoStore() {
		return invalid("%s is not cacheable", cachecontrol.NoStore)
	}
	maxAge, ok := cc.MaxAge()
	if !ok || maxAge <= 0 {
		return invalid("%s must be a positive integer, got %q", cachecontrol.MaxAge, cc[cachecontrol.MaxAge].Raw)
	}
	if maxAge > math.MaxInt64-now {
		return invalid("%s=%d overflows the expiry time", cachecontrol.MaxAge, maxAge)
	}
	var swr int64
	if cc.Has(cachecontrol.StaleWhileRevalidate) {
		swr, ok = cc.StaleWhileRevalidate()
		if !ok || swr < 0 {
			return invalid("%s must be a non-negative integer, got %q",
				cachecontrol.StaleWhileRevalidate, cc[cachecontrol.StaleWhileRevalidate].Raw)
		}
	}
	priority := opts.Priority
	if priority == 0 {
		priority = c.cfg.priority
	}
	return record.Meta{
		Version:  record.Version,
		Access:   now,
		Expires:  now + maxAge,
		MaxAge:   maxAge,
		Stale:    swr,
		Priority: priority,
	}, nil
}

// Set stores value under key.
//
// When the store is out of space, records are purged to make room and the
// write is retried once. If that is not enough, writes are disabled: Set
// fails with ErrDisabled until the recheck delay elapses or Enable is called.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	if err := c.checkKey("set", key); err != nil {
		return err
	}
	if !c.bp.enabled() {
		return newError(CodeDisabled, "set", key, nil)
	}
	m, err := c.metaFor(key, opts, c.now())
	if err != nil {
		return err
	}
	enc, err := record.Encode(m, value)
	if err != nil {
		return fmt.Errorf("metacache: set %q: %w", key, err)
	}
	m.Size = len(enc)

	c.mu.Lock()
	purged, err := c.setLocked(ctx, c.cfg.keyPrefix+key, key, m, enc)
	c.mu.Unlock()

	c.notifyPurged(purged)
	return err
}

// setLocked writes enc and runs the quota protocol. It returns the keys purged
// along the way.
func (c *Cache) setLocked(ctx context.Context, full, key string, m record.Meta, enc []byte) ([]string, error) {
	err := c.store.Set(ctx, full, enc)
	if err == nil {
		c.reg.markWritten(c.reg.put(full, m))
		return nil, nil
	}
	if !persist.IsQuotaExceeded(err) {
		return nil, fmt.Errorf("metacache: set %q: %w", key, err)
	}

	if berr := c.buildLocked(ctx, -1); berr != nil {
		c.log.Warn("registry build after quota error failed", "error", berr)
	}
	if c.reg.len() == 0 {
		c.bp.disable(err)
		return nil, newError(CodeDisabled, "set", key, err)
	}

	res, perr := c.purgeLocked(ctx, int64(len(enc)))
	if perr != nil {
		c.bp.disable(err)
		return res.Keys, newError(CodeInsufficientSpace, "set", key, err)
	}

	if err := c.store.Set(ctx, full, enc); err != nil {
		if persist.IsQuotaExceeded(err) {
			c.bp.disable(err)
			return res.Keys, newError(CodeInsufficientSpace, "set", key, err)
		}
		return res.Keys, fmt.Errorf("metacache: set %q after purge: %w", key, err)
	}
	c.reg.markWritten(c.reg.put(full, m))
	return res.Keys, nil
}

// SetJSON stores the JSON encoding of v under key.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, opts SetOptions) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metacache: marshal %q: %w", key, err)
	}
	return c.Set(ctx, key, b, opts)
}

// Remove deletes key. Removing an absent key is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.checkKey("remove", key); err != nil {
		return err
	}
	full := c.cfg.keyPrefix + key

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, full); err != nil {
		return fmt.Errorf("metacache: remove %q: %w", key, err)
	}
	c.reg.remove(full)
	return nil
}

// Purge evicts records until spaceNeeded bytes are freed, most evictable
// first. A negative spaceNeeded evicts every record. While writes are
// disabled Purge fails with ErrDisabled unless force is set.
func (c *Cache) Purge(ctx context.Context, spaceNeeded int64, force bool) (PurgeResult, error) {
	if !force && !c.bp.enabled() {
		return PurgeResult{}, newError(CodeDisabled, "purge", "", nil)
	}
	c.mu.Lock()
	res, err := c.purgeLocked(ctx, spaceNeeded)
	c.mu.Unlock()

	c.notifyPurged(res.Keys)
	return res, err
}

func (c *Cache) notifyPurged(keys []string) {
	if len(keys) == 0 || c.cfg.purged == nil {
		return
	}
	c.cfg.purged(keys)
}

// Stats returns the running counters.
func (c *Cache) Stats(ctx context.Context, opts StatsOptions) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snapshotLocked()
	if opts.DiskUsage {
		if err := c.buildLocked(ctx, -1); err != nil {
			return s, fmt.Errorf("metacache: disk usage: %w", err)
		}
		s.DiskUsage = &DiskUsage{Count: c.reg.len(), Size: c.reg.bytes()}
	}
	return s, nil
}

func (c *Cache) snapshotLocked() Stats {
	return Stats{
		Hit:               c.stats.hit,
		Miss:              c.stats.miss,
		Stale:             c.stats.stale,
		Error:             c.stats.errors,
		RevalidateSuccess: c.stats.revalidateOK,
		RevalidateFailure: c.stats.revalidateFailed,
		Disables:          c.bp.tripCount(),
		Enabled:           c.bp.enabled(),
	}
}

// Keys returns up to limit full store keys, most recently accessed first.
// limit <= 0 returns every key.
func (c *Cache) Keys(ctx context.Context, limit int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.buildLocked(ctx, -1); err != nil {
		return nil, fmt.Errorf("metacache: keys: %w", err)
	}
	return c.reg.recent(limit), nil
}

// Enable re-enables writes after quota exhaustion.
func (c *Cache) Enable() {
	c.bp.enable()
}

// Enabled reports whether writes are accepted.
func (c *Cache) Enabled() bool {
	return c.bp.enabled()
}

// Close stops background work and closes the store.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.bp.close()
		c.cancel()
		c.wg.Wait()
		var errs []error
		if c.metrics != nil {
			if uerr := c.metrics.Unregister(); uerr != nil {
				errs = append(errs, fmt.Errorf("unregister metrics: %w", uerr))
			}
		}
		if cerr := c.store.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close store: %w", cerr))
		}
		err = errors.Join(errs...)
	})
	return err
}
