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

// Package filecache caches file bodies on local disk, coordinated through
// the KV store: each cached path maps to a body file, the entity tag the
// server returned with that body, and the time the body was last
// revalidated against the server.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/fserr"
	"github.com/davfuse/davfuse/internal/kv"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/webdav"
)

const (
	// A body revalidated this recently is reused without asking the server.
	RefreshInterval = 3 * time.Second

	// Bodies not revalidated for this long are dropped by the cleanup sweep.
	AgeOutThreshold = 691200 * time.Second // eight days

	// How often the maintenance worker runs the sweep.
	CleanupInterval = 86400 * time.Second
)

// GraceLevel modifies how Open treats the server.
type GraceLevel int

const (
	// GraceNone: a stale body must revalidate; server failure is an error.
	GraceNone GraceLevel = iota

	// GraceRetry: attempt the conditional GET once and fall back to the
	// cached body on failure. A fallback is reported so the caller can
	// escalate the degradation controller.
	GraceRetry

	// GraceSaint: reuse whatever body exists without contacting the server.
	GraceSaint
)

// Session is the per-open state: a descriptor onto the body file plus
// access flags.
type Session struct {
	f *os.File

	mu       sync.Mutex
	readable bool
	writable bool
	modified bool // GUARDED_BY(mu): body diverges from the server
}

type Cache struct {
	store     *kv.Store
	dav       *webdav.Client
	clock     clock.Clock
	cachePath string
	filesDir  string
}

// New ensures <cachePath>/files/ exists and returns the cache.
func New(store *kv.Store, dav *webdav.Client, c clock.Clock, cachePath string) (*Cache, error) {
	filesDir := filepath.Join(cachePath, "files")
	if err := os.MkdirAll(filesDir, 0770); err != nil {
		return nil, fmt.Errorf("creating body file directory: %w", err)
	}
	return &Cache{
		store:     store,
		dav:       dav,
		clock:     c,
		cachePath: cachePath,
		filesDir:  filesDir,
	}, nil
}

// newBodyFile creates a uniquely-named body file under the files
// directory, open for read/write.
func (c *Cache) newBodyFile() (*os.File, error) {
	f, err := os.CreateTemp(c.filesDir, "davfuse-cache-*")
	if err != nil {
		return nil, fmt.Errorf("creating body file: %w", err)
	}
	return f, nil
}

// Open obtains a session on path per the decision table:
//
//  1. O_CREAT, or O_TRUNC with no cache entry: fresh empty body, fresh
//     entry, no server interaction.
//  2. Entry present and (O_TRUNC, or revalidated within RefreshInterval):
//     reuse the body file; O_TRUNC truncates it under a shared lock.
//  3. Otherwise a conditional GET, modified by the grace level.
//
// usedGrace reports that a GraceRetry fallback served stale content.
func (c *Cache) Open(ctx context.Context, path string, flags int, grace GraceLevel) (s *Session, usedGrace bool, err error) {
	entry, err := c.getEntry(path)
	if err != nil {
		return nil, false, err
	}

	s = &Session{}
	accMode := flags & unix.O_ACCMODE
	s.readable = accMode == os.O_RDONLY || accMode == os.O_RDWR
	s.writable = accMode == os.O_WRONLY || accMode == os.O_RDWR

	switch {
	case flags&os.O_CREATE != 0 || (flags&os.O_TRUNC != 0 && entry == nil):
		if flags&os.O_CREATE != 0 && entry != nil {
			// The new body orphans the old one; the sweep collects it.
			logger.Warnf(logger.FileCache, "open: creating a file that already has a cache entry: %s", path)
		}
		err = c.createFile(s, path)

	default:
		usedGrace, err = c.freshBody(ctx, s, path, entry, flags, grace)
	}
	if err != nil {
		return nil, false, err
	}

	return s, usedGrace, nil
}

// createFile allocates a new empty body for path and records a fresh
// entry with no entity tag. The session starts modified so a release
// pushes the (possibly empty) body to the server.
func (c *Cache) createFile(s *Session, path string) error {
	f, err := c.newBodyFile()
	if err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}

	e := &Entry{
		Filename:         f.Name(),
		LastRevalidation: c.clock.Now().Unix(),
	}
	if err := c.putEntry(path, e); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}

	s.f = f
	s.modified = true
	s.writable = true
	logger.Debugf(logger.FileCache, "create: %s -> %s", path, f.Name())
	return nil
}

// freshBody opens a body file for path that is as fresh as the grace
// level demands.
func (c *Cache) freshBody(ctx context.Context, s *Session, path string, entry *Entry, flags int, grace GraceLevel) (usedGrace bool, err error) {
	now := c.clock.Now()

	// Usable as-is? Truncation discards the content anyway, and a recent
	// revalidation needs no repeat.
	if entry != nil && (flags&os.O_TRUNC != 0 || now.Unix()-entry.LastRevalidation <= int64(RefreshInterval/time.Second)) {
		f, err := os.OpenFile(entry.Filename, os.O_RDWR, 0)
		if err != nil {
			return false, fserr.Wrap(fserr.IO, path, err)
		}
		if flags&os.O_TRUNC != 0 {
			if err := truncateLocked(f); err != nil {
				_ = f.Close()
				return false, fserr.Wrap(fserr.IO, path, err)
			}
		}
		s.f = f
		return false, nil
	}

	// Saint mode: no server interaction; whatever body exists serves.
	if grace == GraceSaint && entry != nil {
		f, err := os.OpenFile(entry.Filename, os.O_RDWR, 0)
		if err != nil {
			return false, fserr.Wrap(fserr.IO, path, err)
		}
		logger.Debugf(logger.FileCache, "open: saint mode reuse of %s", path)
		s.f = f
		return false, nil
	}

	f, err := c.conditionalGet(ctx, path, entry)
	if err != nil && entry != nil && grace >= GraceRetry && fserr.KindOf(err) == fserr.IO {
		logger.Warnf(logger.FileCache, "open: GET failed for %s, serving stale cached body: %v", path, err)
		f, err = os.OpenFile(entry.Filename, os.O_RDWR, 0)
		if err != nil {
			return false, fserr.Wrap(fserr.IO, path, err)
		}
		s.f = f
		return true, nil
	}
	if err != nil {
		return false, err
	}

	s.f = f
	return false, nil
}

// conditionalGet implements the cache-or-fetch state machine: present an
// If-None-Match when a tag is known; 304 revalidates the cached body, 200
// replaces it, 404 and everything else are errors.
func (c *Cache) conditionalGet(ctx context.Context, path string, entry *Entry) (*os.File, error) {
	var etag string
	if entry != nil {
		etag = entry.ETag
	}

	body, newETag, status, err := c.dav.Get(ctx, path, etag)
	if err != nil {
		return nil, fserr.Wrap(fserr.IO, path, err)
	}

	switch status {
	case 304:
		if entry == nil {
			return nil, fserr.New(fserr.IO, path, "304 without If-None-Match")
		}
		entry.LastRevalidation = c.clock.Now().Unix()
		if err := c.putEntry(path, entry); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(entry.Filename, os.O_RDWR, 0)
		if err != nil {
			return nil, fserr.Wrap(fserr.IO, path, err)
		}
		logger.Debugf(logger.FileCache, "open: 304 for %s (etag %q)", path, etag)
		return f, nil

	case 200:
		defer func() { _ = body.Close() }()

		f, err := c.newBodyFile()
		if err != nil {
			return nil, fserr.Wrap(fserr.IO, path, err)
		}
		if _, err := io.Copy(f, body); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, fserr.Wrap(fserr.IO, path, err)
		}

		var oldFilename string
		if entry != nil {
			oldFilename = entry.Filename
		}
		e := &Entry{
			Filename:         f.Name(),
			ETag:             newETag,
			LastRevalidation: c.clock.Now().Unix(),
		}
		if err := c.putEntry(path, e); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, err
		}
		// The entry no longer references the old body; open descriptors
		// keep it alive until they close.
		if oldFilename != "" {
			_ = os.Remove(oldFilename)
		}
		logger.Debugf(logger.FileCache, "open: 200 for %s (etag %q) -> %s", path, newETag, f.Name())
		return f, nil

	case 404:
		return nil, fserr.New(fserr.NotFound, path, "GET returned 404")

	default:
		return nil, fserr.New(fserr.IO, path, fmt.Sprintf("GET returned %d", status))
	}
}

// truncateLocked truncates f to zero under a shared advisory lock, the
// coordination point with concurrent syncs on the same body.
func truncateLocked(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
		logger.Warnf(logger.FileCache, "truncate: shared lock on %s: %v", f.Name(), err)
	}
	defer func() {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			logger.Warnf(logger.FileCache, "truncate: unlock on %s: %v", f.Name(), err)
		}
	}()
	return f.Truncate(0)
}

// Read reads from the session's body at offset. Reads take no advisory
// lock; the kernel bridge serializes where the application requires it.
func (s *Session) Read(p []byte, offset int64) (int, error) {
	n, err := s.f.ReadAt(p, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, fserr.Wrap(fserr.IO, "", err)
	}
	return n, nil
}

// Write writes to the session's body at offset, marking the session
// modified. Writing on a session opened read-only is a bad-descriptor
// error.
func (s *Session) Write(p []byte, offset int64) (int, error) {
	s.mu.Lock()
	writable := s.writable
	s.mu.Unlock()
	if !writable {
		return 0, fserr.New(fserr.BadFD, "", "write on read-only session")
	}

	n, err := s.f.WriteAt(p, offset)
	if err != nil {
		return n, fserr.Wrap(fserr.IO, "", err)
	}

	s.mu.Lock()
	s.modified = true
	s.mu.Unlock()
	return n, nil
}

// Truncate truncates the session's body file.
func (s *Session) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return fserr.Wrap(fserr.IO, "", err)
	}
	return nil
}

// Size reports the body's current size by seeking to its end.
func (s *Session) Size() int64 {
	size, err := s.f.Seek(0, io.SeekEnd)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

// Close closes the session's descriptor.
func (s *Session) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Sync pushes the session's state back to the caches and, when doPut is
// set and the body was modified, to the server. Concurrent syncs on the
// same body serialize on an exclusive advisory lock.
func (c *Cache) Sync(ctx context.Context, path string, s *Session, doPut bool) error {
	fd := int(s.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		logger.Warnf(logger.FileCache, "sync: exclusive lock for %s: %v", path, err)
	}
	defer func() {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			logger.Warnf(logger.FileCache, "sync: unlock for %s: %v", path, err)
		}
	}()

	s.mu.Lock()
	writable, modified := s.writable, s.modified
	s.mu.Unlock()

	if !writable {
		return nil
	}

	entry, err := c.getEntry(path)
	if err != nil {
		return err
	}
	if entry == nil {
		// An unlink got here first.
		return fserr.New(fserr.NotFound, path, "file entry missing on sync")
	}

	if doPut {
		if !modified {
			return nil
		}

		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return fserr.Wrap(fserr.IO, path, err)
		}
		etag, err := c.dav.Put(ctx, path, s.f, s.Size())
		if err != nil {
			if webdav.IsStatus(err, 404) {
				return fserr.Wrap(fserr.NotFound, path, err)
			}
			return fserr.Wrap(fserr.IO, path, err)
		}
		entry.ETag = etag
		logger.Debugf(logger.FileCache, "sync: PUT %s ok, etag %q", path, etag)

		s.mu.Lock()
		s.modified = false
		s.mu.Unlock()
	} else {
		// The body may now diverge from the server without having been
		// pushed; the stored tag no longer vouches for it.
		entry.ETag = ""
	}

	entry.LastRevalidation = c.clock.Now().Unix()
	return c.putEntry(path, entry)
}

// PdataMove reassigns the cache entry from oldPath to newPath, stamping a
// fresh revalidation time. The body file itself does not move.
func (c *Cache) PdataMove(oldPath, newPath string) error {
	entry, err := c.getEntry(oldPath)
	if err != nil {
		return err
	}
	if entry == nil {
		return fserr.New(fserr.NotFound, oldPath, "no file cache entry to move")
	}

	entry.LastRevalidation = c.clock.Now().Unix()
	if err := c.putEntry(newPath, entry); err != nil {
		return err
	}
	if err := c.store.Delete(entryKey(oldPath)); err != nil {
		return fserr.Wrap(fserr.IO, oldPath, err)
	}

	logger.Debugf(logger.FileCache, "moved entry %s -> %s (%s)", oldPath, newPath, entry.Filename)
	return nil
}

// Delete removes the entry for path and, when unlinkBody is set, its body
// file.
func (c *Cache) Delete(path string, unlinkBody bool) error {
	entry, err := c.getEntry(path)
	if err != nil {
		return err
	}

	if err := c.store.Delete(entryKey(path)); err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}

	if unlinkBody && entry != nil {
		if err := os.Remove(entry.Filename); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf(logger.FileCache, "delete: unlinking %s: %v", entry.Filename, err)
		}
	}
	return nil
}

// Cleanup reconciles the KV partition against the body files in two
// passes. The first pass walks the entries: entries whose body is gone
// are dropped, entries past the age-out threshold are dropped with their
// body, and every surviving body gets its mtime touched forward. The
// second pass unlinks any body file whose mtime predates the sweep start:
// nothing referenced it in the first pass, so it is an orphan. Together
// the passes re-establish "body file exists iff entry exists" without a
// global lock.
func (c *Cache) Cleanup(firstPass bool) error {
	start := c.clock.Now()
	if firstPass {
		logger.Noticef(logger.FileCache, "startup cleanup sweep")
	}

	type item struct {
		path  string
		entry *Entry
	}
	var items []item
	err := c.store.ForEachPrefix([]byte(entryPrefix), func(key, value []byte) error {
		entry, err := decodeEntry(value)
		if err != nil {
			logger.Warnf(logger.FileCache, "cleanup: undecodable entry at %q: %v", key, err)
			entry = nil
		}
		items = append(items, item{path: pathFromKey(key), entry: entry})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cleanup: scanning entries: %w", err)
	}

	var visited, dropped, unlinked int
	for _, it := range items {
		visited++
		if it.entry == nil {
			_ = c.store.Delete(entryKey(it.path))
			dropped++
			continue
		}

		if _, err := os.Stat(it.entry.Filename); errors.Is(err, os.ErrNotExist) {
			_ = c.store.Delete(entryKey(it.path))
			dropped++
			continue
		}

		if start.Unix()-it.entry.LastRevalidation > int64(AgeOutThreshold/time.Second) {
			_ = c.store.Delete(entryKey(it.path))
			if err := os.Remove(it.entry.Filename); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warnf(logger.FileCache, "cleanup: unlinking aged %s: %v", it.entry.Filename, err)
			}
			dropped++
			unlinked++
			continue
		}

		// Alive: stamp it so the orphan pass below leaves it alone.
		if err := os.Chtimes(it.entry.Filename, start, start); err != nil {
			logger.Warnf(logger.FileCache, "cleanup: touching %s: %v", it.entry.Filename, err)
		}
	}

	orphans, err := c.cleanupOrphans(start)
	if err != nil {
		return err
	}

	logger.Infof(logger.FileCache,
		"cleanup: visited %d entries, dropped %d, unlinked %d aged bodies, removed %d orphans",
		visited, dropped, unlinked, orphans)
	return nil
}

// cleanupOrphans unlinks body files not touched by the entry pass.
func (c *Cache) cleanupOrphans(start time.Time) (int, error) {
	dirents, err := os.ReadDir(c.filesDir)
	if err != nil {
		return 0, fmt.Errorf("cleanup: reading %s: %w", c.filesDir, err)
	}

	var orphans int
	for _, de := range dirents {
		if de.IsDir() {
			logger.Noticef(logger.FileCache, "cleanup: unexpected directory in file cache: %s", de.Name())
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(start) {
			full := filepath.Join(c.filesDir, de.Name())
			if err := os.Remove(full); err != nil {
				logger.Noticef(logger.FileCache, "cleanup: failed to unlink orphan %s: %v", full, err)
				continue
			}
			orphans++
		}
	}
	return orphans, nil
}
