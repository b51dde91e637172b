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

package fs

import (
	"context"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/davfuse/davfuse/internal/filecache"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/stats"
)

////////////////////////////////////////////////////////////////////////
// File operations
////////////////////////////////////////////////////////////////////////

// registerSession installs a new open session into the tables and hands
// back its handle ID.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) registerSession(in *inodeRecord, s *filecache.Session) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in.session = s
	in.sessionCount++

	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = &fileHandle{in: in, session: s}
	return id
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Create)

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)
	logger.Infof(logger.FS, "create(%s)", path)

	s, usedGrace, err := fs.fileCache.Open(ctx, path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, fs.graceLevel())
	if err != nil {
		return errno(err, path)
	}
	if usedGrace {
		fs.tripSaint("create fell back to cached content")
	}

	if err := fs.setStatFromSize(path, s.Size()); err != nil {
		_ = s.Close()
		return errno(err, path)
	}

	in := fs.mintOrReuseInode(path, false)
	op.Handle = fs.registerSession(in, s)

	v := fs.fillStatGeneric(uint32(op.Mode.Perm()), false, s.Size())
	fs.fillChildEntry(&op.Entry, in, fs.attributesFromValue(&v))
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Open)

	in := fs.lookupRecord(op.Inode)
	if in == nil || in.path == "" {
		return syscall.ENOENT
	}
	logger.Infof(logger.FS, "open(%s)", in.path)

	// Write-only opens are promoted to read-write: revalidation may need
	// to read the body back. The kernel still polices the caller's access.
	s, usedGrace, err := fs.fileCache.Open(ctx, in.path, os.O_RDWR, fs.graceLevel())
	if err != nil {
		return errno(err, in.path)
	}
	if usedGrace {
		fs.tripSaint("open fell back to cached content")
	}

	// A path opened for the first time may have reached the cache without
	// ever being statted; make sure a stat entry exists.
	if v, err := fs.statCache.Get(in.path, true); err == nil && v == nil {
		nv := fs.fillStatGeneric(0, false, -1)
		if serr := fs.statCache.Set(in.path, nv); serr != nil {
			logger.Warnf(logger.FS, "open: seeding stat for %s: %v", in.path, serr)
		}
	}

	op.Handle = fs.registerSession(in, s)
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Read)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	n, err := fh.session.Read(op.Dst, op.Offset)
	if err != nil {
		return errno(err, fh.in.path)
	}
	op.BytesRead = n
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Write)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	if _, err := fh.session.Write(op.Data, op.Offset); err != nil {
		return errno(err, fh.in.path)
	}

	// With the name still live, note the new size without pushing the
	// body; the entity tag stops vouching for the cached content.
	if path := fh.in.path; path != "" {
		if err := fs.fileCache.Sync(ctx, path, fh.session, false); err != nil {
			return errno(err, path)
		}
		if err := fs.setStatFromSize(path, fh.session.Size()); err != nil {
			return errno(err, path)
		}
	}
	return nil
}

// flushToServer is the shared put-and-restat path behind flush, fsync,
// and release.
func (fs *fileSystem) flushToServer(ctx context.Context, fh *fileHandle) error {
	path := fh.in.path
	if path == "" {
		// Unlinked while open; nowhere to push.
		return nil
	}

	if err := fs.fileCache.Sync(ctx, path, fh.session, true); err != nil {
		return err
	}
	return fs.setStatFromSize(path, fh.session.Size())
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Flush)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	if err := fs.flushToServer(ctx, fh); err != nil {
		return errno(err, fh.in.path)
	}
	return nil
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.FSync)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	if err := fs.flushToServer(ctx, fh); err != nil {
		return errno(err, fh.in.path)
	}
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Release)

	fs.mu.Lock()
	fh, ok := fs.handles[op.Handle].(*fileHandle)
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	logger.Infof(logger.FS, "release(%s)", fh.in.path)

	// Best-effort final sync; the descriptor closes regardless.
	syncErr := fs.flushToServer(ctx, fh)
	closeErr := fh.session.Close()

	fs.mu.Lock()
	fh.in.sessionCount--
	if fh.in.sessionCount <= 0 {
		fh.in.session = nil
		fh.in.sessionCount = 0
	} else if fh.in.session == fh.session {
		fh.in.session = nil
	}
	fs.mu.Unlock()

	if syncErr != nil {
		return errno(syncErr, fh.in.path)
	}
	if closeErr != nil {
		return errno(closeErr, fh.in.path)
	}
	return nil
}
