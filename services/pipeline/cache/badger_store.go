// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/irptrace/services/storage/badger"
)

const badgerKeyPrefix = "desc:"

// BadgerStore keeps one BadgerDB key per record.
//
// Save upserts every record in a single transaction. Records are never
// deleted, so an upsert of the full set matches a full rewrite.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore wraps an open database. The store closes db on Close.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

// OpenBadgerStore opens a durable database at dir.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	cfg := badger.DefaultConfig(dir)
	cfg.Logger = logger
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, logger), nil
}

// Load implements Store. Records come back in key order.
func (s *BadgerStore) Load(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.Scan(ctx, badgerKeyPrefix, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("description_cache_corrupt_key",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if rec.Name != "" {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan description records: %w", err)
	}
	return out, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, records []Record) error {
	entries := make(map[string][]byte, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.Name, err)
		}
		entries[badgerKeyPrefix+strings.ToLower(r.Name)] = data
	}
	return s.db.PutAll(ctx, entries)
}

// Close implements Store.
func (s *BadgerStore) Close() error { return s.db.Close() }
