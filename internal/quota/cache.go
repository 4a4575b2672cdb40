// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// QuotaSnapshot is a provider-reported quota reading from a driver's
// optional ScrapeQuota call (spec §4.4), used only to reconcile the
// ledger's own accounting — never as a source of truth.
type QuotaSnapshot struct {
	WorkerID           int64     `json:"workerId"`
	WeeklyUsedSeconds  int64     `json:"weeklyUsedSeconds,omitempty"`
	SessionUsedSeconds int64     `json:"sessionUsedSeconds,omitempty"`
	ScrapedAt          time.Time `json:"scrapedAt"`
}

// ScrapeCache is an embedded, TTL-backed, advisory cache of the most
// recent ScrapeQuota result per worker. It is deliberately non-authoritative:
// the SQLite-backed Ledger remains the system of record for CanStart/
// ShouldStop decisions; this cache only feeds reconciliation/diagnostics.
type ScrapeCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenScrapeCache opens (creating if necessary) the embedded cache at path.
func OpenScrapeCache(path string, ttl time.Duration) (*ScrapeCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("quota: open scrape cache: %w", err)
	}
	return &ScrapeCache{db: db, ttl: ttl}, nil
}

// Close releases the cache's resources.
func (c *ScrapeCache) Close() error { return c.db.Close() }

func scrapeKey(workerID int64) []byte {
	return []byte(fmt.Sprintf("scrape:%d", workerID))
}

// Put records a driver-reported quota snapshot for a worker, expiring it
// after the cache's configured TTL.
func (c *ScrapeCache) Put(snap QuotaSnapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(scrapeKey(snap.WorkerID), buf).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the most recent cached snapshot for a worker, if any and
// still within its TTL. A miss is not an error — it reports ok=false.
func (c *ScrapeCache) Get(workerID int64) (snap QuotaSnapshot, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(scrapeKey(workerID))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	return snap, ok, err
}
