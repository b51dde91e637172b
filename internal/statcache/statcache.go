// Copyright 2024 The davfuse Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statcache caches POSIX stat records by absolute remote path,
// together with per-directory children-updated timestamps and a local
// generation counter used to reconcile concurrent directory refreshes.
package statcache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/kv"
	"github.com/davfuse/davfuse/internal/logger"
)

// How long a directory's children may go unrefreshed before entries under
// it stop being served without a freshness override.
const NegativeTTL = 3 * time.Second

// Directories whose children-updated timestamp is older than this are
// dropped wholesale by Prune.
const pruneThreshold = 14 * 24 * time.Hour

// Partition prefixes within the shared KV store. Keys carry the path's
// terminating NUL, matching the file cache's key layout.
const (
	entryPrefix    = "sc:"
	childrenPrefix = "cu:"
)

// Enumeration and lookup outcomes beyond plain errors.
var (
	// ErrExpired: the entry (or directory listing) exists but its parent
	// directory's freshness window has lapsed.
	ErrExpired = errors.New("stat cache entry expired")

	// ErrNoData: the directory has never been refreshed.
	ErrNoData = errors.New("no stat cache data for directory")
)

// Value is one cached stat record. A Value with Mode 0 is a negative
// entry: the path is known not to exist.
type Value struct {
	Mode   uint32 `json:"mode"`
	Nlink  uint32 `json:"nlink"`
	Size   int64  `json:"size"`
	Atime  int64  `json:"atime"`
	Mtime  int64  `json:"mtime"`
	Ctime  int64  `json:"ctime"`
	Blocks int64  `json:"blocks"`

	// The local generation the entry was written at; generation-based
	// pruning after a full directory refresh compares against this.
	Generation uint64 `json:"gen"`
}

type Cache struct {
	store *kv.Store
	clock clock.Clock

	generation atomic.Uint64
}

func New(store *kv.Store, c clock.Clock) *Cache {
	return &Cache{store: store, clock: c}
}

func entryKey(path string) []byte {
	return append([]byte(entryPrefix+path), 0)
}

func childrenKey(path string) []byte {
	return append([]byte(childrenPrefix+path), 0)
}

// LocalGeneration returns the next value of the process-wide generation
// counter. Values never repeat and never decrease.
func (c *Cache) LocalGeneration() uint64 {
	return c.generation.Add(1)
}

// Get returns the stat entry for path. With ignoreFreshness false, a
// parent directory whose children-updated timestamp has aged past
// NegativeTTL makes the answer ErrExpired regardless of the entry's
// presence. An absent entry is (nil, nil).
func (c *Cache) Get(path string, ignoreFreshness bool) (*Value, error) {
	if !ignoreFreshness {
		updated, err := c.ReadChildrenUpdated(parentOf(path))
		if err != nil {
			return nil, err
		}
		if updated < c.clock.Now().Add(-NegativeTTL).Unix() {
			return nil, ErrExpired
		}
	}

	raw, err := c.store.Get(entryKey(path))
	if err != nil {
		return nil, fmt.Errorf("stat cache get %q: %w", path, err)
	}
	if raw == nil {
		return nil, nil
	}

	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry behaves as a miss; the next refresh rewrites it.
		logger.Warnf(logger.StatCache, "dropping undecodable entry for %q: %v", path, err)
		_ = c.store.Delete(entryKey(path))
		return nil, nil
	}
	return &v, nil
}

// Set writes the entry for path, stamping it with a fresh generation.
func (c *Cache) Set(path string, v Value) error {
	v.Generation = c.LocalGeneration()
	raw, err := json.Marshal(&v)
	if err != nil {
		return err
	}
	if err := c.store.Put(entryKey(path), raw); err != nil {
		return fmt.Errorf("stat cache set %q: %w", path, err)
	}
	return nil
}

func (c *Cache) Delete(path string) error {
	if err := c.store.Delete(entryKey(path)); err != nil {
		return fmt.Errorf("stat cache delete %q: %w", path, err)
	}
	return nil
}

// Enumerate streams the basename of each direct child of dir to fn, in
// key order. Without ignoreFreshness it reports ErrNoData when dir has
// never been refreshed and ErrExpired when the last refresh has aged past
// NegativeTTL.
func (c *Cache) Enumerate(dir string, fn func(basename string), ignoreFreshness bool) error {
	if !ignoreFreshness {
		updated, err := c.ReadChildrenUpdated(dir)
		if err != nil {
			return err
		}
		if updated == 0 {
			return ErrNoData
		}
		if updated < c.clock.Now().Add(-NegativeTTL).Unix() {
			return ErrExpired
		}
	}

	prefix := childScanPrefix(dir)
	return c.store.ForEachPrefix([]byte(prefix), func(key, _ []byte) error {
		rest := strings.TrimSuffix(strings.TrimPrefix(string(key), prefix), "\x00")
		// Only direct children; deeper descendants carry another slash.
		if rest == "" || strings.ContainsRune(rest, '/') {
			return nil
		}
		fn(rest)
		return nil
	})
}

// DirHasChild reports whether any entry exists directly or transitively
// under dir.
func (c *Cache) DirHasChild(dir string) (bool, error) {
	found := errors.New("found")
	err := c.store.ForEachPrefix([]byte(childScanPrefix(dir)), func(_, _ []byte) error {
		return found
	})
	if errors.Is(err, found) {
		return true, nil
	}
	return false, err
}

// DeleteOlder removes every direct child entry of dir whose recorded
// generation is strictly less than minGeneration. Run after a full
// listing repopulates the directory, it atomically swaps in the new
// snapshot: entries written by the listing carry newer generations and
// survive; leftovers from before the refresh do not. Deeper descendants
// are left for their own directories' refreshes.
func (c *Cache) DeleteOlder(dir string, minGeneration uint64) error {
	prefix := childScanPrefix(dir)

	// Capture doomed keys first; no deletes while iterating.
	var doomed [][]byte
	err := c.store.ForEachPrefix([]byte(prefix), func(key, value []byte) error {
		rest := strings.TrimSuffix(strings.TrimPrefix(string(key), prefix), "\x00")
		if rest == "" || strings.ContainsRune(rest, '/') {
			return nil
		}
		var v Value
		if err := json.Unmarshal(value, &v); err != nil || v.Generation < minGeneration {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range doomed {
		if err := c.store.Delete(key); err != nil {
			return err
		}
	}

	logger.Debugf(logger.StatCache, "delete_older(%s, %d): removed %d entries", dir, minGeneration, len(doomed))
	return nil
}

// ReadChildrenUpdated returns the time dir's direct children were last
// refreshed, as unix seconds; 0 when never.
func (c *Cache) ReadChildrenUpdated(dir string) (int64, error) {
	raw, err := c.store.Get(childrenKey(dir))
	if err != nil {
		return 0, fmt.Errorf("children-updated get %q: %w", dir, err)
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// WriteChildrenUpdated records ts (unix seconds) as the time dir's direct
// children were last refreshed. Writing 0 resets the record to "never".
func (c *Cache) WriteChildrenUpdated(dir string, ts int64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(ts))
	if err := c.store.Put(childrenKey(dir), raw[:]); err != nil {
		return fmt.Errorf("children-updated set %q: %w", dir, err)
	}
	return nil
}

// Prune drops directories that have gone unrefreshed past pruneThreshold:
// their direct child entries and their children-updated record. Run from
// the maintenance worker.
func (c *Cache) Prune() error {
	cutoff := c.clock.Now().Add(-pruneThreshold).Unix()

	var staleDirs []string
	err := c.store.ForEachPrefix([]byte(childrenPrefix), func(key, value []byte) error {
		if len(value) != 8 {
			return nil
		}
		ts := int64(binary.BigEndian.Uint64(value))
		if ts > 0 && ts < cutoff {
			dir := strings.TrimSuffix(strings.TrimPrefix(string(key), childrenPrefix), "\x00")
			staleDirs = append(staleDirs, dir)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, dir := range staleDirs {
		prefix := childScanPrefix(dir)
		var doomed [][]byte
		err := c.store.ForEachPrefix([]byte(prefix), func(key, _ []byte) error {
			rest := strings.TrimSuffix(strings.TrimPrefix(string(key), prefix), "\x00")
			if rest != "" && !strings.ContainsRune(rest, '/') {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := c.store.Delete(key); err != nil {
				return err
			}
		}
		if err := c.store.Delete(childrenKey(dir)); err != nil {
			return err
		}
		logger.Infof(logger.StatCache, "pruned stale directory %s (%d entries)", dir, len(doomed))
	}

	return nil
}

// childScanPrefix is the KV prefix covering everything under dir.
func childScanPrefix(dir string) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return entryPrefix + dir
}

// parentOf returns the parent directory of path; "/" is its own parent.
func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
