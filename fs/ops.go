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
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/davfuse/davfuse/internal/fserr"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/statcache"
	"github.com/davfuse/davfuse/internal/stats"
	"github.com/davfuse/davfuse/internal/webdav"
)

////////////////////////////////////////////////////////////////////////
// Directory and attribute operations
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	// Nothing meaningful to report for a remote collection; all zeros
	// keeps df harmless.
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)

	v, err := fs.getStat(ctx, path)
	if err != nil {
		return errno(err, path)
	}

	in := fs.mintOrReuseInode(path, v.Mode&syscall.S_IFMT == syscall.S_IFDIR)
	fs.fillChildEntry(&op.Entry, in, fs.attributesFromValue(v))
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	in := fs.lookupRecord(op.Inode)
	if in == nil {
		return syscall.ENOENT
	}

	if in.path == "" {
		stats.Bump(stats.FGetAttr)
	} else {
		stats.Bump(stats.GetAttr)
	}

	attrs, err := fs.statInode(ctx, in)
	if err != nil {
		return errno(err, in.path)
	}

	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now()
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	in := fs.lookupRecord(op.Inode)
	if in == nil {
		return syscall.ENOENT
	}

	// Mode and time changes are accepted and ignored.
	if op.Mode != nil {
		stats.Bump(stats.Chmod)
	}
	if op.Atime != nil || op.Mtime != nil {
		stats.Bump(stats.UTimens)
	}

	if op.Size != nil {
		stats.Bump(stats.Truncate)
		if in.isDir {
			return syscall.EISDIR
		}
		if err := fs.truncateInode(ctx, in, int64(*op.Size)); err != nil {
			return errno(err, in.path)
		}
	}

	// With a session open, answer from the descriptor the way every other
	// size-changing path does; the server is not consulted.
	fs.mu.Lock()
	session := in.session
	fs.mu.Unlock()

	var attrs fuseops.InodeAttributes
	if session != nil && !in.isDir {
		v := fs.fillStatGeneric(0, false, session.Size())
		attrs = fs.attributesFromValue(&v)
	} else {
		var err error
		attrs, err = fs.statInode(ctx, in)
		if err != nil {
			return errno(err, in.path)
		}
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.clock.Now()
	return nil
}

// truncateInode truncates through an open session when one exists,
// otherwise through a scratch session on the cached body.
func (fs *fileSystem) truncateInode(ctx context.Context, in *inodeRecord, size int64) error {
	fs.mu.Lock()
	session := in.session
	fs.mu.Unlock()

	if session != nil {
		if err := session.Truncate(size); err != nil {
			return err
		}
		if in.path == "" {
			return nil
		}
		if err := fs.fileCache.Sync(ctx, in.path, session, false); err != nil {
			return err
		}
		return fs.setStatFromSize(in.path, session.Size())
	}

	if in.path == "" {
		return fserr.New(fserr.BadFD, "", "truncate on pathless inode without a session")
	}

	s, usedGrace, err := fs.fileCache.Open(ctx, in.path, os.O_RDWR, fs.graceLevel())
	if err != nil {
		return err
	}
	if usedGrace {
		fs.tripSaint("open for truncate fell back to cached content")
	}
	defer func() { _ = s.Close() }()

	if err := s.Truncate(size); err != nil {
		return err
	}
	if err := fs.fileCache.Sync(ctx, in.path, s, false); err != nil {
		return err
	}
	return fs.setStatFromSize(in.path, s.Size())
}

// setStatFromSize records a freshly-synthesized regular-file stat for
// path after a size-changing operation.
func (fs *fileSystem) setStatFromSize(path string, size int64) error {
	v := fs.fillStatGeneric(0, false, size)
	if err := fs.statCache.Set(path, v); err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	fs.forget(op.Inode, op.N)
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	for _, e := range op.Entries {
		fs.forget(e.Inode, e.N)
	}
	return nil
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.MkDir)

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)
	logger.Infof(logger.Dir, "mkdir(%s)", path)

	if err := fs.dav.Mkcol(ctx, path); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	v := fs.fillStatGeneric(uint32(op.Mode.Perm()), true, -1)
	if err := fs.statCache.Set(path, v); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	in := fs.mintOrReuseInode(path, true)
	fs.fillChildEntry(&op.Entry, in, fs.attributesFromValue(&v))
	return nil
}

// MkNode seeds the stat cache for a fresh regular file without touching
// the server; the body reaches the server on first sync.
func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.MkNod)

	if op.Mode&os.ModeType != 0 {
		return syscall.ENOSYS
	}

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)
	logger.Infof(logger.FS, "mknod(%s)", path)

	v := fs.fillStatGeneric(uint32(op.Mode.Perm()), false, -1)
	if err := fs.statCache.Set(path, v); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	in := fs.mintOrReuseInode(path, false)
	fs.fillChildEntry(&op.Entry, in, fs.attributesFromValue(&v))
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.RmDir)

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)
	logger.Infof(logger.Dir, "rmdir(%s)", path)

	v, err := fs.getStat(ctx, path)
	if err != nil {
		return errno(err, path)
	}
	if v.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		return errno(fserr.New(fserr.NotDir, path, "rmdir target"), path)
	}

	// The child check reads the stat cache as it stands: getStat resolved
	// only the directory's own entry and did not refresh its children. A
	// directory with any cached descendant never reaches the server.
	hasChild, err := fs.statCache.DirHasChild(path)
	if err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}
	if hasChild {
		return errno(fserr.New(fserr.NotEmpty, path, "rmdir"), path)
	}

	// The trailing slash targets the collection rather than the name.
	if err := fs.dav.Delete(ctx, path+"/"); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	if err := fs.statCache.Delete(path); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}
	if err := fs.statCache.WriteChildrenUpdated(path, 0); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	fs.unlinkRecord(path)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Unlink)

	parent := fs.lookupRecord(op.Parent)
	if parent == nil || parent.path == "" {
		return syscall.ENOENT
	}
	path := childPath(parent.path, op.Name)
	logger.Infof(logger.FS, "unlink(%s)", path)

	v, err := fs.getStat(ctx, path)
	if err != nil {
		return errno(err, path)
	}
	if v.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return errno(fserr.New(fserr.IsDir, path, "unlink target"), path)
	}

	if err := fs.dav.Delete(ctx, path); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	if err := fs.fileCache.Delete(path, true); err != nil {
		return errno(err, path)
	}
	if err := fs.statCache.Delete(path); err != nil {
		return errno(fserr.Wrap(fserr.IO, path, err), path)
	}

	// Open descriptors continue against their sessions.
	fs.unlinkRecord(path)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.Rename)

	oldParent := fs.lookupRecord(op.OldParent)
	newParent := fs.lookupRecord(op.NewParent)
	if oldParent == nil || oldParent.path == "" || newParent == nil || newParent.path == "" {
		return syscall.ENOENT
	}
	from := childPath(oldParent.path, op.OldName)
	to := childPath(newParent.path, op.NewName)
	logger.Infof(logger.FS, "rename(%s, %s)", from, to)

	v, err := fs.getStat(ctx, from)
	if err != nil {
		return errno(err, from)
	}

	// Directories are moved with their trailing slash.
	moveSource := from
	if v.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		moveSource += "/"
	}

	serverErr := fs.dav.Move(ctx, moveSource, to)
	if serverErr != nil && !errors.Is(serverErr, webdav.ErrMoveLostSource) {
		return errno(fserr.Wrap(fserr.IO, from, serverErr), from)
	}
	if serverErr != nil {
		// The server lost the source (it may never have seen the file);
		// complete the move locally.
		logger.Infof(logger.FS, "rename: server lost %s, proceeding locally", from)
	}

	localErr := fs.renameLocal(from, to, v)
	if serverErr != nil && localErr != nil {
		return errno(localErr, from)
	}
	if localErr != nil {
		logger.Warnf(logger.FS, "rename: local move %s -> %s failed after server move: %v", from, to, localErr)
	}

	fs.rekeyRecord(from, to)
	return nil
}

// renameLocal moves the cache state for from onto to.
func (fs *fileSystem) renameLocal(from, to string, v *statcache.Value) error {
	if err := fs.statCache.Set(to, *v); err != nil {
		return fserr.Wrap(fserr.IO, to, err)
	}
	if err := fs.statCache.Delete(from); err != nil {
		return fserr.Wrap(fserr.IO, from, err)
	}

	err := fs.fileCache.PdataMove(from, to)
	if err != nil && fserr.KindOf(err) != fserr.NotFound {
		// Mixed state: drop the destination's file entry rather than leave
		// it pointing at stale content.
		if derr := fs.fileCache.Delete(to, true); derr != nil {
			logger.Noticef(logger.FS, "rename: cleanup of %s failed: %v", to, derr)
		}
		return err
	}
	// Never-opened files and directories have no file entry to move.
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	in := fs.lookupRecord(op.Inode)
	if in == nil || in.path == "" {
		return syscall.ENOENT
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = &dirHandle{in: in}
	op.Handle = id
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.lockOp()
	defer fs.unlockOp()
	stats.Bump(stats.ReadDir)

	fs.mu.Lock()
	dh, ok := fs.handles[op.Handle].(*dirHandle)
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	if !dh.filled {
		entries, err := fs.listDirectory(ctx, dh.in)
		if err != nil {
			return errno(err, dh.in.path)
		}
		dh.entries = entries
		dh.filled = true
	}

	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return syscall.EINVAL
	}
	for _, e := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// listDirectory produces the dirent snapshot for one opened directory:
// dot entries, then the cached children, refreshing or degrading as the
// cache and saint mode dictate.
func (fs *fileSystem) listDirectory(ctx context.Context, in *inodeRecord) ([]fuseutil.Dirent, error) {
	path := in.path
	logger.Infof(logger.Dir, "readdir(%s)", path)

	var names []string
	collect := func(basename string) {
		names = append(names, basename)
	}

	ignoreFreshness := fs.saintActive()
	err := fs.statCache.Enumerate(path, collect, ignoreFreshness)
	if err != nil {
		switch {
		case errors.Is(err, statcache.ErrExpired):
			logger.Debugf(logger.Dir, "dir cache too old: %s", path)
		case errors.Is(err, statcache.ErrNoData):
			logger.Debugf(logger.Dir, "dir cache has no data: %s", path)
		default:
			return nil, fserr.Wrap(fserr.IO, path, err)
		}

		updateErr := fs.updateDirectory(ctx, path, errors.Is(err, statcache.ErrExpired))
		if updateErr != nil {
			if !fs.grace {
				return nil, updateErr
			}
			fs.tripSaint(fmt.Sprintf("failed to update directory %s: %v", path, updateErr))
		}

		// Serve whatever the cache now holds, freshness aside.
		names = names[:0]
		if err := fs.statCache.Enumerate(path, collect, true); err != nil {
			return nil, fserr.Wrap(fserr.IO, path, err)
		}
	}

	entries := make([]fuseutil.Dirent, 0, len(names)+2)
	add := func(name string, dt fuseutil.DirentType) {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  in.id,
			Name:   name,
			Type:   dt,
		})
	}
	add(".", fuseutil.DT_Directory)
	add("..", fuseutil.DT_Directory)
	for _, name := range names {
		add(name, fuseutil.DT_Unknown)
	}
	return entries, nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.lockOp()
	defer fs.unlockOp()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, op.Handle)
	return nil
}
