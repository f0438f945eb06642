// Package cache provides a TTL cache with stale-while-revalidate for the
// credential and tool-definition lookups that sit in front of Postgres.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// SWR is a TTL cache keyed by string. Expired entries are still served,
// and exactly one caller per expiry is told to refresh. Reads are
// lock-free via sync.Map.
type SWR[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Result holds the result of a lookup.
type Result[V any] struct {
	Value        V
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // stale; this caller won the refresh
}

// New creates a cache. now defaults to time.Now.
func New[V any](ttl time.Duration, now func() time.Time) *SWR[V] {
	if now == nil {
		now = time.Now
	}
	return &SWR[V]{ttl: ttl, now: now}
}

func (c *SWR[V]) Get(key string) Result[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return Result[V]{}
	}
	e := val.(*entry[V])
	if c.now().Before(e.expiresAt) {
		return Result[V]{Value: e.value, Hit: true}
	}
	return Result[V]{
		Value:        e.value,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores v with a fresh TTL, replacing any entry under key.
func (c *SWR[V]) Set(key string, v V) {
	c.store.Store(key, &entry[V]{value: v, expiresAt: c.now().Add(c.ttl)})
}

func (c *SWR[V]) Delete(key string) {
	c.store.Delete(key)
}
