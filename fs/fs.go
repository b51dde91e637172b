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

// Package fs translates FUSE operations into stat-cache, file-cache, and
// protocol calls, owning the path bookkeeping and the invariants that
// couple the two caches.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/filecache"
	"github.com/davfuse/davfuse/internal/fserr"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/saint"
	"github.com/davfuse/davfuse/internal/statcache"
	"github.com/davfuse/davfuse/internal/webdav"
)

type ServerConfig struct {
	Clock     clock.Clock
	DAV       *webdav.Client
	StatCache *statcache.Cache
	FileCache *filecache.Cache
	Saint     *saint.Mode

	// Protocol and performance options.
	ProgressivePropfind   bool
	RefreshDirForFileStat bool
	Grace                 bool

	// Serialize every operation; for debugging.
	SingleThread bool

	// The UID and GID reported for all inodes.
	Uid uint32
	Gid uint32
}

// NewServer creates a fuse server backed by the supplied caches and
// transport.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

func newFileSystem(cfg *ServerConfig) (*fileSystem, error) {
	if cfg.DAV == nil || cfg.StatCache == nil || cfg.FileCache == nil {
		return nil, errors.New("fs.NewServer: missing a dependency")
	}
	if cfg.Grace && cfg.Saint == nil {
		return nil, errors.New("fs.NewServer: grace enabled without a degradation controller")
	}

	fs := &fileSystem{
		clock:                 cfg.Clock,
		dav:                   cfg.DAV,
		statCache:             cfg.StatCache,
		fileCache:             cfg.FileCache,
		saint:                 cfg.Saint,
		progressivePropfind:   cfg.ProgressivePropfind,
		refreshDirForFileStat: cfg.RefreshDirForFileStat,
		grace:                 cfg.Grace,
		uid:                   cfg.Uid,
		gid:                   cfg.Gid,
		baseDir:               cfg.DAV.BaseDir(),
		inodes:                make(map[fuseops.InodeID]*inodeRecord),
		pathIndex:             make(map[string]fuseops.InodeID),
		nextInodeID:           fuseops.RootInodeID + 1,
		handles:               make(map[fuseops.HandleID]interface{}),
	}
	if cfg.SingleThread {
		fs.opMu = new(sync.Mutex)
	}

	// The root inode maps to the base directory and is never forgotten.
	root := &inodeRecord{
		id:          fuseops.RootInodeID,
		path:        fs.baseDir,
		isDir:       true,
		lookupCount: 1,
	}
	fs.inodes[root.id] = root
	fs.pathIndex[root.path] = root.id

	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	return fs, nil
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// Let FS be the file system lock. The body-file advisory locks live below
// everything here (they are taken inside filecache with no FS state
// held). We only ever hold FS for table bookkeeping, never across a
// server round trip or body-file I/O.

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock     clock.Clock
	dav       *webdav.Client
	statCache *statcache.Cache
	fileCache *filecache.Cache
	saint     *saint.Mode

	/////////////////////////
	// Constant data
	/////////////////////////

	progressivePropfind   bool
	refreshDirForFileStat bool
	grace                 bool
	uid                   uint32
	gid                   uint32
	baseDir               string

	// Non-nil in single-threaded mode; held for the whole of every op.
	opMu *sync.Mutex

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Protects the tables below. See the notes on lock ordering above.
	mu syncutil.InvariantMutex

	// The collection of live inodes, keyed by ID.
	//
	// INVARIANT: For all keys k, fuseops.RootInodeID <= k < nextInodeID
	// INVARIANT: For all keys k, inodes[k].id == k
	//
	// GUARDED_BY(mu)
	inodes map[fuseops.InodeID]*inodeRecord

	// Map from remote path to live inode. Records whose path was removed
	// by unlink are absent here while the kernel still holds the inode.
	//
	// INVARIANT: For each k/v, inodes[v].path == k
	//
	// GUARDED_BY(mu)
	pathIndex map[string]fuseops.InodeID

	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID

	// The collection of live handles (*dirHandle or *fileHandle), keyed by
	// handle ID.
	//
	// INVARIANT: For all keys k in handles, k < nextHandleID
	//
	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]interface{}

	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

// One entry in the inode table. The path is the absolute remote path
// (base-directory-prefixed, trailing slash stripped); it becomes empty
// when the name is unlinked while descriptors remain open, after which
// operations must complete against the open session alone.
type inodeRecord struct {
	id          fuseops.InodeID
	path        string
	isDir       bool
	lookupCount uint64

	// The most recently opened session and the number of open sessions,
	// used for descriptor-based stat synthesis on pathless inodes.
	session      *filecache.Session
	sessionCount int
}

type dirHandle struct {
	in *inodeRecord

	mu      sync.Mutex
	entries []fuseutil.Dirent // GUARDED_BY(mu)
	filled  bool              // GUARDED_BY(mu)
}

type fileHandle struct {
	in      *inodeRecord
	session *filecache.Session
}

func (fs *fileSystem) checkInvariants() {
	for id, in := range fs.inodes {
		if id < fuseops.RootInodeID || id >= fs.nextInodeID {
			panic(fmt.Sprintf("illegal inode ID: %v", id))
		}
		if in.id != id {
			panic(fmt.Sprintf("inode ID mismatch: %v vs. %v", in.id, id))
		}
	}

	for p, id := range fs.pathIndex {
		in := fs.inodes[id]
		if in == nil || in.path != p {
			panic(fmt.Sprintf("pathIndex mismatch for %q", p))
		}
	}

	for id := range fs.handles {
		if id >= fs.nextHandleID {
			panic(fmt.Sprintf("illegal handle ID: %v", id))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) lockOp() {
	if fs.opMu != nil {
		fs.opMu.Lock()
	}
}

func (fs *fileSystem) unlockOp() {
	if fs.opMu != nil {
		fs.opMu.Unlock()
	}
}

// errno converts an internal error for the kernel; not-found stays quiet
// at debug level, everything else logs at warning.
func errno(err error, path string) error {
	if err == nil {
		return nil
	}
	kind := fserr.KindOf(err)
	if kind == fserr.NotFound {
		logger.Debugf(logger.FS, "%s: %v", path, err)
	} else {
		logger.Warnf(logger.FS, "%s: %v", path, err)
	}
	return fserr.Errno(err)
}

// childPath joins a directory's remote path with a child's basename.
func childPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
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

// saintActive reports whether degraded operation is in effect.
func (fs *fileSystem) saintActive() bool {
	return fs.grace && fs.saint.Active()
}

// tripSaint engages the degradation window after a qualifying failure.
func (fs *fileSystem) tripSaint(why string) {
	if !fs.grace {
		return
	}
	logger.Warnf(logger.FS, "entering saint mode: %s", why)
	fs.saint.Trip()
}

// graceLevel picks the file-cache grace level for an open.
func (fs *fileSystem) graceLevel() filecache.GraceLevel {
	switch {
	case !fs.grace:
		return filecache.GraceNone
	case fs.saint.Active():
		return filecache.GraceSaint
	default:
		return filecache.GraceRetry
	}
}

// fillStatGeneric synthesizes a stat record the way every local mutation
// does: directories get link count 3 and size 4096; files link count 1
// and the supplied size (<0 means unknown, recorded as 0). Sub-second
// fields stay zero.
func (fs *fileSystem) fillStatGeneric(mode uint32, isDir bool, size int64) statcache.Value {
	now := fs.clock.Now().Unix()

	v := statcache.Value{
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if isDir {
		v.Mode = mode&^syscall.S_IFMT | syscall.S_IFDIR
		if v.Mode == syscall.S_IFDIR {
			v.Mode |= 0770
		}
		v.Nlink = 3
		v.Size = 4096
	} else {
		v.Mode = mode&^syscall.S_IFMT | syscall.S_IFREG
		if v.Mode == syscall.S_IFREG {
			v.Mode |= 0660
		}
		v.Nlink = 1
		if size > 0 {
			v.Size = size
		}
	}
	v.Blocks = (v.Size + 511) / 512

	return v
}

// attributesFromValue converts a cached stat record into kernel
// attributes.
func (fs *fileSystem) attributesFromValue(v *statcache.Value) fuseops.InodeAttributes {
	mode := os.FileMode(v.Mode & 0777)
	if v.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:  uint64(v.Size),
		Nlink: uint32(v.Nlink),
		Mode:  mode,
		Atime: time.Unix(v.Atime, 0),
		Mtime: time.Unix(v.Mtime, 0),
		Ctime: time.Unix(v.Ctime, 0),
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

// valueFromListing converts a listing entry's stat record.
func valueFromListing(st webdav.Stat) statcache.Value {
	mtime := st.ModTime.Unix()
	if mtime < 0 {
		mtime = 0
	}
	v := statcache.Value{
		Atime: mtime,
		Mtime: mtime,
		Ctime: mtime,
	}
	if st.IsDir {
		v.Mode = syscall.S_IFDIR | 0770
		v.Nlink = 3
		v.Size = 4096
	} else {
		v.Mode = syscall.S_IFREG | 0660
		v.Nlink = 1
		v.Size = st.Size
	}
	v.Blocks = (v.Size + 511) / 512
	return v
}

// listingVisitor returns the callback both listing depths share: a 410
// status removes the entry, anything else upserts it.
func (fs *fileSystem) listingVisitor() webdav.VisitFunc {
	return func(entryPath string, st webdav.Stat, statusCode int) {
		if statusCode == 410 {
			logger.Debugf(logger.Stat, "listing: removing %s", entryPath)
			if err := fs.statCache.Delete(entryPath); err != nil {
				logger.Warnf(logger.Stat, "listing: delete %s: %v", entryPath, err)
			}
			return
		}
		if err := fs.statCache.Set(entryPath, valueFromListing(st)); err != nil {
			logger.Warnf(logger.Stat, "listing: set %s: %v", entryPath, err)
		}
	}
}

// updateDirectory refreshes path's direct children: progressively via a
// changes_since window when permitted, falling back to (or starting with)
// a full listing with generation-based pruning of leftovers.
func (fs *fileSystem) updateDirectory(ctx context.Context, path string, tryProgressive bool) error {
	refreshStart := fs.clock.Now()
	needsFull := true

	if tryProgressive && fs.progressivePropfind {
		lastUpdated, err := fs.statCache.ReadChildrenUpdated(path)
		if err != nil {
			return fserr.Wrap(fserr.IO, path, err)
		}

		since := lastUpdated - int64(webdav.ClockSkew/time.Second)
		logger.Debugf(logger.Stat, "freshening directory: %s since %d", path, since)
		err = fs.dav.PropfindSince(ctx, path, since, fs.listingVisitor())
		switch {
		case err == nil:
			needsFull = false
		case errors.Is(err, webdav.ErrStaleWindow):
			logger.Debugf(logger.Stat, "windowed listing of %s rejected as stale", path)
		default:
			return fserr.Wrap(fserr.IO, path, err)
		}
	}

	if needsFull {
		logger.Noticef(logger.Stat, "doing complete listing: %s", path)
		minGeneration := fs.statCache.LocalGeneration()
		if err := fs.dav.Propfind(ctx, path, 1, fs.listingVisitor()); err != nil {
			return fserr.Wrap(fserr.IO, path, err)
		}
		if err := fs.statCache.DeleteOlder(path, minGeneration); err != nil {
			return fserr.Wrap(fserr.IO, path, err)
		}
	}

	// The refresh covers everything that changed before it started.
	if err := fs.statCache.WriteChildrenUpdated(path, refreshStart.Unix()); err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}
	return nil
}

// getStat resolves path to a stat record, refreshing from the server per
// configuration when the cache cannot answer.
func (fs *fileSystem) getStat(ctx context.Context, path string) (*statcache.Value, error) {
	// The base directory needs no cache or server: synthesize.
	if path == fs.baseDir {
		v := fs.fillStatGeneric(0, true, -1)
		return &v, nil
	}

	ignoreFreshness := fs.saintActive()

	v, err := fs.statCache.Get(path, ignoreFreshness)
	switch {
	case err == nil && v != nil:
		if v.Mode == 0 {
			// Negative entry.
			return nil, fserr.New(fserr.NotFound, path, "cached as absent")
		}
		return v, nil
	case err == nil && v == nil && ignoreFreshness:
		// Degraded and nothing cached; the server is off limits.
		return nil, fserr.New(fserr.NotFound, path, "no cached stat while degraded")
	case err != nil && !errors.Is(err, statcache.ErrExpired):
		return nil, fserr.Wrap(fserr.IO, path, err)
	}

	// Miss or expired.
	if !fs.refreshDirForFileStat {
		if err := fs.dav.Propfind(ctx, path, 0, fs.listingVisitor()); err != nil {
			if derr := fs.statCache.Delete(path); derr != nil {
				return nil, fserr.Wrap(fserr.IO, path, derr)
			}
			if webdav.IsStatus(err, 404) {
				return nil, fserr.Wrap(fserr.NotFound, path, err)
			}
			return nil, fserr.Wrap(fserr.IO, path, err)
		}
	} else {
		// Refresh the parent directory to pick up this entry's stat.
		parent := parentOf(path)
		updated, err := fs.statCache.ReadChildrenUpdated(parent)
		if err != nil {
			return nil, fserr.Wrap(fserr.IO, path, err)
		}

		if updated < fs.clock.Now().Add(-statcache.NegativeTTL).Unix() {
			if err := fs.updateDirectory(ctx, parent, updated > 0); err != nil {
				if fserr.KindOf(err) != fserr.IO || !fs.grace {
					return nil, err
				}
				fs.tripSaint(fmt.Sprintf("directory refresh of %s failed: %v", parent, err))
			}
		}
	}

	v, err = fs.statCache.Get(path, true)
	if err != nil {
		return nil, fserr.Wrap(fserr.IO, path, err)
	}
	if v == nil || v.Mode == 0 {
		return nil, fserr.New(fserr.NotFound, path, "absent after refresh")
	}
	return v, nil
}

// mintOrReuseInode returns the live inode record for path, creating one
// if none is live, and bumps its lookup count.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) mintOrReuseInode(path string, isDir bool) *inodeRecord {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id, ok := fs.pathIndex[path]; ok {
		in := fs.inodes[id]
		in.lookupCount++
		in.isDir = isDir
		return in
	}

	in := &inodeRecord{
		id:          fs.nextInodeID,
		path:        path,
		isDir:       isDir,
		lookupCount: 1,
	}
	fs.nextInodeID++
	fs.inodes[in.id] = in
	fs.pathIndex[path] = in.id
	return in
}

// lookupRecord fetches the live inode record for id.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) lookupRecord(id fuseops.InodeID) *inodeRecord {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.inodes[id]
}

// forget decrements an inode's lookup count by n, destroying the record
// when it hits zero.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) forget(id fuseops.InodeID, n uint64) {
	if id == fuseops.RootInodeID {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	in := fs.inodes[id]
	if in == nil {
		return
	}
	if n > in.lookupCount {
		n = in.lookupCount
	}
	in.lookupCount -= n
	if in.lookupCount == 0 {
		delete(fs.inodes, id)
		if fs.pathIndex[in.path] == id {
			delete(fs.pathIndex, in.path)
		}
	}
}

// unlinkRecord detaches any live inode for path from the name space so
// remaining descriptors keep working against their sessions alone.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) unlinkRecord(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id, ok := fs.pathIndex[path]; ok {
		fs.inodes[id].path = ""
		delete(fs.pathIndex, path)
	}
}

// rekeyRecord moves a live inode from one path to another.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) rekeyRecord(from, to string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id, ok := fs.pathIndex[from]
	if !ok {
		return
	}
	delete(fs.pathIndex, from)
	// A live record for the destination name is now anonymous.
	if old, ok := fs.pathIndex[to]; ok {
		fs.inodes[old].path = ""
	}
	fs.inodes[id].path = to
	fs.pathIndex[to] = id
}

// statInode produces attributes for an inode record, synthesizing from an
// open session when the name is gone.
func (fs *fileSystem) statInode(ctx context.Context, in *inodeRecord) (fuseops.InodeAttributes, error) {
	if in.path == "" {
		// Unlinked-but-open: size comes from the descriptor.
		var size int64 = -1
		fs.mu.Lock()
		if in.session != nil {
			size = in.session.Size()
		}
		fs.mu.Unlock()
		v := fs.fillStatGeneric(0, false, size)
		return fs.attributesFromValue(&v), nil
	}

	v, err := fs.getStat(ctx, in.path)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return fs.attributesFromValue(v), nil
}

// fillChildEntry completes a ChildInodeEntry for a path already statted.
func (fs *fileSystem) fillChildEntry(e *fuseops.ChildInodeEntry, in *inodeRecord, attrs fuseops.InodeAttributes) {
	now := fs.clock.Now()
	e.Child = in.id
	e.Attributes = attrs
	// The caches own freshness; the kernel re-asks every time.
	e.AttributesExpiration = now
	e.EntryExpiration = now
}
