// Package store provides the in-memory expiring key/value store shared by the
// CSRF token manager, the rate limiter and the session verifier.
//
// Keys are spread over a fixed number of shards, each with its own mutex, so
// concurrent requests touching different keys rarely contend and the sweeper
// never holds more than one shard lock at a time.
package store

import (
	"errors"
	"hash/maphash"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glgcapital/gatekeeper/internal/clock"
)

var (
	// ErrNotFound is returned for keys that were never inserted or have
	// already been evicted.
	ErrNotFound = errors.New("entry not found")
	// ErrExpired is returned for entries past their expiry that the sweeper
	// has not reclaimed yet.
	ErrExpired = errors.New("entry expired")
)

const defaultShards = 16

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
	// holds counts open Protect calls not yet matched by Unprotect.
	holds int
}

type shard[K comparable, V any] struct {
	mu   sync.Mutex
	data map[K]*entry[V]
}

// Store is a concurrency-safe map with per-entry expiry. Protecting an entry
// keeps it out of Sweep but does not extend the time it can be read.
type Store[K comparable, V any] struct {
	name           string
	seed           maphash.Seed
	shards         []*shard[K, V]
	clock          clock.Clock
	protectCeiling time.Duration
	maxEntries     int
	logger         *slog.Logger
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Total     int `json:"total"`
	Live      int `json:"live"`
	Expired   int `json:"expired"`
	Protected int `json:"protected"`
}

type options struct {
	clock          clock.Clock
	shards         int
	protectCeiling time.Duration
	maxEntries     int
	logger         *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithClock sets the time source used by Put, Get and Update.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithShards sets the number of lock shards. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithProtectCeiling bounds how long a protected entry is kept past its
// nominal expiry, measured from insertion. Zero means protection never
// lapses on its own.
func WithProtectCeiling(d time.Duration) Option {
	return func(o *options) { o.protectCeiling = d }
}

// WithMaxEntries caps the store size. Sweep evicts the oldest unprotected
// entries when the cap is exceeded. Zero disables the cap.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithLogger sets the logger used for sweep summaries.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates an empty Store. The name shows up in logs and metrics.
func New[K comparable, V any](name string, opts ...Option) *Store[K, V] {
	o := options{
		clock:  clock.Real(),
		shards: defaultShards,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store[K, V]{
		name:           name,
		seed:           maphash.MakeSeed(),
		shards:         make([]*shard[K, V], o.shards),
		clock:          o.clock,
		protectCeiling: o.protectCeiling,
		maxEntries:     o.maxEntries,
		logger:         o.logger.With("component", "store", "store", name),
	}
	for i := range s.shards {
		s.shards[i] = &shard[K, V]{data: make(map[K]*entry[V])}
	}
	return s
}

// Name returns the store name given to New.
func (s *Store[K, V]) Name() string {
	return s.name
}

func (s *Store[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// retained reports whether Sweep must keep e at now.
func (s *Store[K, V]) retained(e *entry[V], now time.Time) bool {
	if !e.expired(now) {
		return true
	}
	if e.holds == 0 {
		return false
	}
	return s.protectCeiling == 0 || !now.After(e.createdAt.Add(s.protectCeiling))
}

// Put inserts or replaces the value for key. Replacing an entry drops any
// holds on it.
func (s *Store[K, V]) Put(key K, value V, ttl time.Duration) {
	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = &entry[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	sh.mu.Unlock()
}

// Get returns the value for key. It returns ErrNotFound for unknown keys and
// ErrExpired for entries past expiry, protected or not.
func (s *Store[K, V]) Get(key K) (V, error) {
	var zero V
	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.data[key]
	if !ok {
		return zero, ErrNotFound
	}
	if e.expired(now) {
		return zero, ErrExpired
	}
	return e.value, nil
}

// Update atomically replaces the value for key with the result of fn. The
// found argument is false when the key is absent or expired, in which case
// cur is the zero value. When fn returns an error the store is left
// untouched. A positive ttl resets the expiry to now+ttl; otherwise the
// current expiry is kept.
func (s *Store[K, V]) Update(key K, fn func(cur V, found bool) (next V, ttl time.Duration, err error)) (V, error) {
	var zero V
	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.data[key]
	expiredHolds := 0
	if ok && e.expired(now) {
		expiredHolds = e.holds
		ok = false
	}
	var cur V
	if ok {
		cur = e.value
	}
	next, ttl, err := fn(cur, ok)
	if err != nil {
		return zero, err
	}
	if !ok {
		e = &entry[V]{createdAt: now, expiresAt: now, holds: expiredHolds}
		sh.data[key] = e
	}
	e.value = next
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return next, nil
}

// Protect adds a hold on an unexpired entry. Sweep keeps an entry while it
// has holds, until the protect ceiling elapses. Holds nest: each Protect
// must be matched by one Unprotect.
func (s *Store[K, V]) Protect(key K) error {
	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.data[key]
	if !ok {
		return ErrNotFound
	}
	if e.expired(now) {
		return ErrExpired
	}
	e.holds++
	return nil
}

// Unprotect releases one hold and returns the number still open. Unknown
// keys return ErrNotFound. Releasing an entry with no holds is a no-op.
func (s *Store[K, V]) Unprotect(key K) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.holds > 0 {
		e.holds--
	}
	return e.holds, nil
}

// Delete removes key and reports whether it was present.
func (s *Store[K, V]) Delete(key K) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.data[key]
	delete(sh.data, key)
	return ok
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *Store[K, V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.mu.Unlock()
	}
	return n
}

// Range calls fn for every unexpired entry until fn returns false. fn runs under a
// shard lock and must not call back into the store.
func (s *Store[K, V]) Range(fn func(key K, value V) bool) {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if e.expired(now) {
				continue
			}
			if !fn(k, e.value) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// Clear drops every entry, protected or not.
func (s *Store[K, V]) Clear() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.data = make(map[K]*entry[V])
		sh.mu.Unlock()
	}
	return n
}

// Stats summarizes the store as of now.
func (s *Store[K, V]) Stats(now time.Time) Stats {
	var st Stats
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.data {
			st.Total++
			if e.holds > 0 {
				st.Protected++
			}
			if e.expired(now) {
				st.Expired++
			} else {
				st.Live++
			}
		}
		sh.mu.Unlock()
	}
	return st
}

// Sweep evicts every entry that is not retained at now, then trims the
// oldest unprotected entries if the store is over capacity. It returns the
// number of entries removed.
func (s *Store[K, V]) Sweep(now time.Time) int {
	evicted := 0
	for _, sh := range s.shards {
		evicted += s.sweepShard(sh, now)
	}
	if s.maxEntries > 0 {
		evicted += s.trim()
	}
	if evicted > 0 {
		s.logger.Debug("swept entries", "evicted", evicted)
	}
	return evicted
}

func (s *Store[K, V]) sweepShard(sh *shard[K, V], now time.Time) int {
	sh.mu.Lock()
	candidates := make([]K, 0, len(sh.data))
	for k, e := range sh.data {
		if !s.retained(e, now) {
			candidates = append(candidates, k)
		}
	}
	sh.mu.Unlock()

	evicted := 0
	for _, k := range candidates {
		// Re-check under the lock: the entry may have been replaced,
		// refreshed or protected since it was collected.
		sh.mu.Lock()
		if e, ok := sh.data[k]; ok && !s.retained(e, now) {
			delete(sh.data, k)
			evicted++
		}
		sh.mu.Unlock()
	}
	return evicted
}

type trimCandidate[K comparable, V any] struct {
	key       K
	shard     *shard[K, V]
	createdAt time.Time
}

func (s *Store[K, V]) trim() int {
	over := s.Len() - s.maxEntries
	if over <= 0 {
		return 0
	}
	var candidates []trimCandidate[K, V]
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if e.holds == 0 {
				candidates = append(candidates, trimCandidate[K, V]{key: k, shard: sh, createdAt: e.createdAt})
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= over {
			break
		}
		c.shard.mu.Lock()
		if e, ok := c.shard.data[c.key]; ok && e.holds == 0 && e.createdAt.Equal(c.createdAt) {
			delete(c.shard.data, c.key)
			evicted++
		}
		c.shard.mu.Unlock()
	}
	return evicted
}
