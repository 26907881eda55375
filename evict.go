package metacache

import (
	"cmp"
	"context"
	"strings"
)

// evictionRank orders freshness classes, most evictable first.
func evictionRank(f freshness) int {
	switch f {
	case corruptData:
		return 0
	case trulyStale:
		return 1
	case stale:
		return 2
	default:
		return 3
	}
}

// compareEviction is a strict total order over entries. Negative means a is
// evicted before b.
//
//   - corrupt: size descending
//   - truly stale: access ascending
//   - stale: priority descending, then access ascending
//   - fresh: access ascending, then size descending
//
// Remaining ties are broken by key.
func compareEviction(a, b *entry, now int64) int {
	sa, sb := a.state(now), b.state(now)
	if c := cmp.Compare(evictionRank(sa), evictionRank(sb)); c != 0 {
		return c
	}
	var c int
	switch sa {
	case corruptData:
		c = cmp.Compare(b.size, a.size)
	case trulyStale:
		c = cmp.Compare(a.meta.Access, b.meta.Access)
	case stale:
		c = cmp.Or(
			cmp.Compare(b.meta.Priority, a.meta.Priority),
			cmp.Compare(a.meta.Access, b.meta.Access),
		)
	default:
		c = cmp.Or(
			cmp.Compare(a.meta.Access, b.meta.Access),
			cmp.Compare(b.size, a.size),
		)
	}
	if c != 0 {
		return c
	}
	return strings.Compare(a.key, b.key)
}

// PurgeResult describes one purge.
type PurgeResult struct {
	Keys  []string // unprefixed, in eviction order
	Freed int64    // registry bytes of the purged records
}

// purgeLocked evicts records until spaceNeeded bytes are freed. A negative
// spaceNeeded evicts everything and never reports a shortfall.
// The caller holds c.mu and reports result.Keys to the observer after
// unlocking.
func (c *Cache) purgeLocked(ctx context.Context, spaceNeeded int64) (PurgeResult, error) {
	var res PurgeResult
	if err := c.buildLocked(ctx, -1); err != nil {
		// A partial registry still gives a usable order.
		c.log.Warn("purge with partial registry", "error", err)
	}

	now := c.now()
	order := c.reg.evictionOrder(now)
	for _, e := range order {
		if spaceNeeded >= 0 && res.Freed >= spaceNeeded {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := c.store.Delete(ctx, e.key); err != nil {
			c.log.Warn("purge delete failed", "key", e.key, "state", e.state(now), "error", err)
			continue
		}
		size, _ := c.reg.remove(e.key)
		res.Freed += size
		res.Keys = append(res.Keys, c.unprefix(e.key))
	}

	c.log.Info("purged records", "count", len(res.Keys), "freed", res.Freed, "needed", spaceNeeded, "remaining", c.reg.len())
	if spaceNeeded >= 0 && res.Freed < spaceNeeded {
		return res, newError(CodeInsufficientSpace, "purge", "", nil)
	}
	return res, nil
}
