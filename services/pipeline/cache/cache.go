// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache memoises function descriptions across runs.
//
// A description is keyed by the lowercased function name. Every call site
// that asked for it is remembered in the record's address list. Whether a
// second call site triggers a fresh description is decided by Policy.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// Record is one cached description.
type Record struct {
	Name      string   `json:"name"`
	Markdown  string   `json:"markdown"`
	Addresses []string `json:"addresses"`
}

// hasAddress reports whether addr is already recorded, ignoring case.
func (r Record) hasAddress(addr string) bool {
	for _, a := range r.Addresses {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

// Policy decides what a cache hit does.
type Policy string

const (
	// PolicyAddressOnly returns the cached markdown and only records the
	// new call site. Behaviour that differs per call site is not captured.
	PolicyAddressOnly Policy = "address-only"

	// PolicyAlwaysRefresh regenerates the markdown on every lookup and
	// records the call site.
	PolicyAlwaysRefresh Policy = "always-refresh"
)

// ParsePolicy validates a policy name. Empty means PolicyAddressOnly.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAddressOnly:
		return PolicyAddressOnly, nil
	case PolicyAlwaysRefresh:
		return PolicyAlwaysRefresh, nil
	default:
		return "", fmt.Errorf("unknown cache policy %q (want %s or %s)", s, PolicyAddressOnly, PolicyAlwaysRefresh)
	}
}

// Store persists the full record set.
//
// Load returns records in their stored order. Save replaces the stored set
// with records. Implementations need not be safe for concurrent use; Cache
// serialises every call.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
	Close() error
}

// Generator produces fresh markdown for a cache miss.
type Generator func(ctx context.Context) (string, error)

// LookupHook observes each lookup. result is "hit", "miss" or "refresh".
type LookupHook func(ctx context.Context, result string)

// Cache is a write-through description cache.
//
// Thread Safety: Safe for concurrent use. Reads and read-modify-write
// cycles run under one mutex; generation runs outside it.
type Cache struct {
	mu      sync.Mutex
	store   Store
	policy  Policy
	records map[string]Record
	order   []string
	logger  *slog.Logger
	onLook  LookupHook
}

// Option customises a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithLookupHook registers a lookup observer.
func WithLookupHook(h LookupHook) Option {
	return func(c *Cache) { c.onLook = h }
}

// Open loads every record from store.
//
// Description:
//
//	Reads the store fully into memory. Records without a name are skipped.
//	A later record with the same lowercased name replaces an earlier one.
//
// Inputs:
//
//	ctx - Context for the initial load.
//	store - Backing store. Owned by the cache from here on.
//	policy - Hit behaviour.
//
// Outputs:
//
//	*Cache - Ready cache.
//	error - Non-nil if the store cannot be read.
func Open(ctx context.Context, store Store, policy Policy, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:   store,
		policy:  policy,
		records: make(map[string]Record),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == "" {
		c.policy = PolicyAddressOnly
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load description cache: %w", err)
	}
	for _, r := range loaded {
		key := strings.ToLower(strings.TrimSpace(r.Name))
		if key == "" {
			continue
		}
		if _, exists := c.records[key]; !exists {
			c.order = append(c.order, key)
		}
		c.records[key] = r
	}
	c.logger.Debug("description_cache_loaded", slog.Int("records", len(c.records)), slog.String("policy", string(c.policy)))
	return c, nil
}

// Policy returns the hit policy.
func (c *Cache) Policy() Policy { return c.policy }

// Lookup returns the record for name, ignoring case.
func (c *Cache) Lookup(name string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[strings.ToLower(strings.TrimSpace(name))]
	return cloneRecord(r), ok
}

// Records returns every record in insertion order.
func (c *Cache) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, cloneRecord(c.records[k]))
	}
	return out
}

// Describe returns the description for ref, generating it on a miss.
//
// Description:
//
//	On a miss, generate is called and the result is stored with ref's
//	address. On a hit under PolicyAddressOnly the cached markdown is
//	returned and the address is appended when new. Under
//	PolicyAlwaysRefresh a hit regenerates the markdown as well. Every
//	change is written through to the store before returning.
//
// Inputs:
//
//	ctx - Context for generation and persistence.
//	ref - The function. Must be complete.
//	generate - Produces markdown. Not called on an address-only hit.
//
// Outputs:
//
//	string - The markdown.
//	bool - True when the markdown came from the cache.
//	error - Validation, generation, or store errors.
func (c *Cache) Describe(ctx context.Context, ref datatypes.FunctionRef, generate Generator) (string, bool, error) {
	if err := ref.Validate("describe-function"); err != nil {
		return "", false, err
	}

	if c.policy == PolicyAddressOnly {
		if rec, ok := c.Lookup(ref.Name); ok {
			c.observe(ctx, "hit")
			if !rec.hasAddress(ref.Address) {
				if _, err := c.update(ctx, ref, rec.Markdown, false); err != nil {
					return "", false, err
				}
			}
			return rec.Markdown, true, nil
		}
		c.observe(ctx, "miss")
	} else {
		if _, ok := c.Lookup(ref.Name); ok {
			c.observe(ctx, "refresh")
		} else {
			c.observe(ctx, "miss")
		}
	}

	markdown, err := generate(ctx)
	if err != nil {
		return "", false, err
	}
	if _, err := c.update(ctx, ref, markdown, true); err != nil {
		return "", false, err
	}
	return markdown, false, nil
}

// update applies one change under the lock and writes the full set.
// overwrite controls whether markdown replaces an existing record's text.
func (c *Cache) update(ctx context.Context, ref datatypes.FunctionRef, markdown string, overwrite bool) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(ref.Name))
	prev, exists := c.records[key]
	rec := cloneRecord(prev)
	if !exists {
		rec = Record{Name: ref.Name, Markdown: markdown}
	} else if overwrite {
		rec.Markdown = markdown
	}
	if !rec.hasAddress(ref.Address) {
		rec.Addresses = append(rec.Addresses, ref.Address)
	}

	c.records[key] = rec
	if !exists {
		c.order = append(c.order, key)
	}

	if err := c.store.Save(ctx, c.snapshotLocked()); err != nil {
		// Roll back so memory never runs ahead of the store.
		if exists {
			c.records[key] = prev
		} else {
			delete(c.records, key)
			c.order = c.order[:len(c.order)-1]
		}
		return Record{}, fmt.Errorf("persist description for %s: %w", ref.Name, err)
	}

	c.logger.Debug("description_cache_updated",
		slog.String("name", rec.Name),
		slog.Int("addresses", len(rec.Addresses)),
	)
	return rec, nil
}

func (c *Cache) snapshotLocked() []Record {
	out := make([]Record, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.records[k])
	}
	return out
}

func (c *Cache) observe(ctx context.Context, result string) {
	if c.onLook != nil {
		c.onLook(ctx, result)
	}
}

// Close releases the backing store.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

func cloneRecord(r Record) Record {
	if r.Addresses != nil {
		r.Addresses = append([]string(nil), r.Addresses...)
	}
	return r
}
