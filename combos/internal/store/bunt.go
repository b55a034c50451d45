package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"
)

// keySep separates key parts. Identifiers and combo tokens never contain it.
const keySep = "|"

// BuntStore keeps the ranking cache in an embedded buntdb file (or memory
// with ":memory:"). It has no notion of subjects, so ephemeral and tracked
// entries are stored identically.
type BuntStore struct {
	db *buntdb.DB
}

var _ Backend = (*BuntStore)(nil)

// OpenBunt opens (or creates) a buntdb file.
func OpenBunt(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open bunt %s: %w", path, err)
	}
	return &BuntStore{db: db}, nil
}

// Close closes the underlying database.
func (b *BuntStore) Close() error { return b.db.Close() }

type buntEntry struct {
	Position     *int   `json:"p"`
	TotalResults int    `json:"n"`
	Trend        string `json:"t"`
	CheckedAt    int64  `json:"c"`
}

func comboPrefix(k Key) string {
	return strings.Join([]string{"rc", k.TenantID, k.SubjectID, k.Platform, k.Locale, k.Combo}, keySep) + keySep
}

func buntKey(k Key) string { return comboPrefix(k) + k.Day }

// GetEntry returns the cache entry for k, or nil.
func (b *BuntStore) GetEntry(ctx context.Context, k Key) (*Entry, error) {
	var e *Entry
	err := b.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(buntKey(k))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e, err = decodeBunt(k, val)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: bunt get: %w", err)
	}
	return e, nil
}

// PutEntry upserts e, keeping the value with the latest CheckedAt.
func (b *BuntStore) PutEntry(ctx context.Context, e *Entry) error {
	val, err := json.Marshal(buntEntry{
		Position:     e.Position,
		TotalResults: e.TotalResults,
		Trend:        e.Trend,
		CheckedAt:    e.CheckedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	key := buntKey(e.Key)
	err = b.db.Update(func(tx *buntdb.Tx) error {
		prev, err := tx.Get(key)
		if err == nil {
			var old buntEntry
			if json.Unmarshal([]byte(prev), &old) == nil && old.CheckedAt > e.CheckedAt.UnixMilli() {
				return nil
			}
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err = tx.Set(key, string(val), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: bunt put: %w", err)
	}
	return nil
}

// LatestBefore returns the newest entry for k's combo dated before k.Day.
func (b *BuntStore) LatestBefore(ctx context.Context, k Key) (*Entry, error) {
	prefix := comboPrefix(k)
	var bestDay, bestVal string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			day := strings.TrimPrefix(key, prefix)
			if strings.Contains(day, keySep) {
				return true
			}
			if day < k.Day && day > bestDay {
				bestDay, bestVal = day, value
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: bunt latest: %w", err)
	}
	if bestDay == "" {
		return nil, nil
	}
	found := k
	found.Day = bestDay
	return decodeBunt(found, bestVal)
}

// PruneBefore deletes entries dated before day.
func (b *BuntStore) PruneBefore(ctx context.Context, day string) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *buntdb.Tx) error {
		var stale []string
		err := tx.AscendKeys("rc"+keySep+"*", func(key, _ string) bool {
			if key[strings.LastIndex(key, keySep)+1:] < day {
				stale = append(stale, key)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: bunt prune: %w", err)
	}
	return n, nil
}

func decodeBunt(k Key, val string) (*Entry, error) {
	var be buntEntry
	if err := json.Unmarshal([]byte(val), &be); err != nil {
		return nil, fmt.Errorf("decode bunt entry: %w", err)
	}
	return &Entry{
		Key:          k,
		Position:     be.Position,
		TotalResults: be.TotalResults,
		Trend:        be.Trend,
		CheckedAt:    time.UnixMilli(be.CheckedAt).UTC(),
	}, nil
}
