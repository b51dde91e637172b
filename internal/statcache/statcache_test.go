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

package statcache_test

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/kv"
	"github.com/davfuse/davfuse/internal/statcache"
)

var someTime = time.Date(2024, 4, 5, 2, 15, 0, 0, time.UTC)

func newCache(t *testing.T) (*statcache.Cache, *clock.SimulatedClock) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := clock.NewSimulatedClock(someTime)
	return statcache.New(store, c), c
}

func fileValue(size int64) statcache.Value {
	return statcache.Value{
		Mode:  syscall.S_IFREG | 0660,
		Nlink: 1,
		Size:  size,
		Mtime: someTime.Unix(),
	}
}

func dirValue() statcache.Value {
	return statcache.Value{
		Mode:  syscall.S_IFDIR | 0770,
		Nlink: 3,
		Size:  4096,
	}
}

func TestGetAbsent(t *testing.T) {
	sc, _ := newCache(t)

	v, err := sc.Get("/d/x", true)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFreshnessFollowsParentChildrenUpdated(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.Set("/d/x", fileValue(5)))

	// Parent never refreshed: expired unless freshness is ignored.
	_, err := sc.Get("/d/x", false)
	assert.ErrorIs(t, err, statcache.ErrExpired)

	v, err := sc.Get("/d/x", true)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 5, v.Size)

	// A fresh parent serves the entry.
	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))
	v, err = sc.Get("/d/x", false)
	require.NoError(t, err)
	assert.NotNil(t, v)

	// Until the negative TTL lapses.
	c.AdvanceTime(statcache.NegativeTTL + time.Second)
	_, err = sc.Get("/d/x", false)
	assert.ErrorIs(t, err, statcache.ErrExpired)
}

func TestNegativeEntry(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))
	require.NoError(t, sc.Set("/d/gone", statcache.Value{}))

	v, err := sc.Get("/d/gone", false)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Zero(t, v.Mode)
}

func TestDelete(t *testing.T) {
	sc, _ := newCache(t)

	require.NoError(t, sc.Set("/d/x", fileValue(1)))
	require.NoError(t, sc.Delete("/d/x"))

	v, err := sc.Get("/d/x", true)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEnumerateDirectChildrenOnly(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.Set("/d/a", fileValue(1)))
	require.NoError(t, sc.Set("/d/b", fileValue(2)))
	require.NoError(t, sc.Set("/d/sub", dirValue()))
	require.NoError(t, sc.Set("/d/sub/deep", fileValue(3)))
	require.NoError(t, sc.Set("/other", fileValue(4)))
	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))

	var names []string
	err := sc.Enumerate("/d", func(name string) { names = append(names, name) }, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "sub"}, names)
}

func TestEnumerateFreshness(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.Set("/d/a", fileValue(1)))

	err := sc.Enumerate("/d", func(string) {}, false)
	assert.ErrorIs(t, err, statcache.ErrNoData)

	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))
	require.NoError(t, sc.Enumerate("/d", func(string) {}, false))

	c.AdvanceTime(statcache.NegativeTTL + time.Second)
	err = sc.Enumerate("/d", func(string) {}, false)
	assert.ErrorIs(t, err, statcache.ErrExpired)

	// Ignoring freshness always streams what is cached.
	var count int
	require.NoError(t, sc.Enumerate("/d", func(string) { count++ }, true))
	assert.Equal(t, 1, count)
}

func TestTwoListingsSameChildren(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.Set("/d/a", fileValue(1)))
	require.NoError(t, sc.Set("/d/b", fileValue(2)))
	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))

	list := func() []string {
		var names []string
		require.NoError(t, sc.Enumerate("/d", func(n string) { names = append(names, n) }, true))
		return names
	}
	assert.Equal(t, list(), list())
}

func TestDirHasChild(t *testing.T) {
	sc, _ := newCache(t)

	has, err := sc.DirHasChild("/d")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, sc.Set("/d/sub/deep", fileValue(1)))
	has, err = sc.DirHasChild("/d")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLocalGenerationMonotonic(t *testing.T) {
	sc, _ := newCache(t)

	prev := sc.LocalGeneration()
	for i := 0; i < 100; i++ {
		g := sc.LocalGeneration()
		assert.Greater(t, g, prev)
		prev = g
	}
}

func TestDeleteOlderSwapsInNewSnapshot(t *testing.T) {
	sc, c := newCache(t)

	// Entries from an old listing.
	require.NoError(t, sc.Set("/d/stale1", fileValue(1)))
	require.NoError(t, sc.Set("/d/stale2", fileValue(2)))

	// A full refresh samples the generation, repopulates, then prunes.
	min := sc.LocalGeneration()
	require.NoError(t, sc.Set("/d/fresh", fileValue(3)))
	require.NoError(t, sc.DeleteOlder("/d", min))
	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))

	var names []string
	require.NoError(t, sc.Enumerate("/d", func(n string) { names = append(names, n) }, false))
	assert.Equal(t, []string{"fresh"}, names)
}

func TestConcurrentRefreshesKeepNewestSnapshot(t *testing.T) {
	sc, c := newCache(t)

	// Refresh A samples first, then refresh B; their listing writes
	// interleave. B's prune runs last with the higher floor.
	minA := sc.LocalGeneration()
	minB := sc.LocalGeneration()

	require.NoError(t, sc.Set("/d/fromA", fileValue(1)))
	require.NoError(t, sc.Set("/d/fromB", fileValue(2)))

	require.NoError(t, sc.DeleteOlder("/d", minA))
	require.NoError(t, sc.DeleteOlder("/d", minB))
	require.NoError(t, sc.WriteChildrenUpdated("/d", c.Now().Unix()))

	// Entries written after B's sample survive; nothing older does.
	var names []string
	require.NoError(t, sc.Enumerate("/d", func(n string) { names = append(names, n) }, false))
	assert.Equal(t, []string{"fromA", "fromB"}, names)
}

func TestDeleteOlderLeavesDeeperLevels(t *testing.T) {
	sc, _ := newCache(t)

	require.NoError(t, sc.Set("/d/sub", dirValue()))
	require.NoError(t, sc.Set("/d/sub/deep", fileValue(1)))

	min := sc.LocalGeneration()
	require.NoError(t, sc.Set("/d/sub", dirValue()))
	require.NoError(t, sc.DeleteOlder("/d", min))

	v, err := sc.Get("/d/sub/deep", true)
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestChildrenUpdatedRoundTrip(t *testing.T) {
	sc, c := newCache(t)

	ts, err := sc.ReadChildrenUpdated("/d")
	require.NoError(t, err)
	assert.Zero(t, ts)

	now := c.Now().Unix()
	require.NoError(t, sc.WriteChildrenUpdated("/d", now))
	ts, err = sc.ReadChildrenUpdated("/d")
	require.NoError(t, err)
	assert.Equal(t, now, ts)

	require.NoError(t, sc.WriteChildrenUpdated("/d", 0))
	ts, err = sc.ReadChildrenUpdated("/d")
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestPruneDropsLongStaleDirectories(t *testing.T) {
	sc, c := newCache(t)

	require.NoError(t, sc.Set("/old/x", fileValue(1)))
	require.NoError(t, sc.WriteChildrenUpdated("/old", c.Now().Unix()))
	require.NoError(t, sc.Set("/live/y", fileValue(2)))

	// Fifteen days later the live directory gets refreshed; the old one
	// does not.
	c.AdvanceTime(15 * 24 * time.Hour)
	require.NoError(t, sc.WriteChildrenUpdated("/live", c.Now().Unix()))

	require.NoError(t, sc.Prune())

	v, err := sc.Get("/old/x", true)
	require.NoError(t, err)
	assert.Nil(t, v)

	ts, err := sc.ReadChildrenUpdated("/old")
	require.NoError(t, err)
	assert.Zero(t, ts)

	v, err = sc.Get("/live/y", true)
	require.NoError(t, err)
	assert.NotNil(t, v)
}
