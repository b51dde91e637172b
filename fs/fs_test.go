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
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/filecache"
	"github.com/davfuse/davfuse/internal/kv"
	"github.com/davfuse/davfuse/internal/saint"
	"github.com/davfuse/davfuse/internal/statcache"
	"github.com/davfuse/davfuse/internal/webdav"
	"github.com/davfuse/davfuse/internal/webdav/webdavtest"
)

type fixture struct {
	fs    *fileSystem
	clock *clock.SimulatedClock
	srv   *webdavtest.Server
	ctx   context.Context
}

type fixtureOptions struct {
	progressive bool
	refreshDir  bool
	grace       bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	srv := webdavtest.New()
	t.Cleanup(srv.Close)

	dav, err := webdav.New(webdav.Options{URI: srv.URL})
	require.NoError(t, err)

	cachePath := t.TempDir()
	store, err := kv.Open(filepath.Join(cachePath, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := clock.NewSimulatedClock(time.Now())
	sc := statcache.New(store, c)
	fc, err := filecache.New(store, dav, c, cachePath)
	require.NoError(t, err)

	fsys, err := newFileSystem(&ServerConfig{
		Clock:                 c,
		DAV:                   dav,
		StatCache:             sc,
		FileCache:             fc,
		Saint:                 saint.New(c),
		ProgressivePropfind:   opts.progressive,
		RefreshDirForFileStat: opts.refreshDir,
		Grace:                 opts.grace,
		Uid:                   500,
		Gid:                   500,
	})
	require.NoError(t, err)

	return &fixture{fs: fsys, clock: c, srv: srv, ctx: context.Background()}
}

func (f *fixture) create(t *testing.T, parent fuseops.InodeID, name string) (fuseops.InodeID, fuseops.HandleID) {
	t.Helper()
	op := &fuseops.CreateFileOp{Parent: parent, Name: name, Mode: 0644}
	require.NoError(t, f.fs.CreateFile(f.ctx, op))
	return op.Entry.Child, op.Handle
}

func (f *fixture) write(t *testing.T, h fuseops.HandleID, data string, offset int64) {
	t.Helper()
	require.NoError(t, f.fs.WriteFile(f.ctx, &fuseops.WriteFileOp{Handle: h, Data: []byte(data), Offset: offset}))
}

func (f *fixture) flush(t *testing.T, in fuseops.InodeID, h fuseops.HandleID) {
	t.Helper()
	require.NoError(t, f.fs.FlushFile(f.ctx, &fuseops.FlushFileOp{Inode: in, Handle: h}))
}

func (f *fixture) release(t *testing.T, h fuseops.HandleID) {
	t.Helper()
	require.NoError(t, f.fs.ReleaseFileHandle(f.ctx, &fuseops.ReleaseFileHandleOp{Handle: h}))
}

func (f *fixture) lookup(t *testing.T, parent fuseops.InodeID, name string) (*fuseops.LookUpInodeOp, error) {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	err := f.fs.LookUpInode(f.ctx, op)
	return op, err
}

func (f *fixture) open(t *testing.T, in fuseops.InodeID) fuseops.HandleID {
	t.Helper()
	op := &fuseops.OpenFileOp{Inode: in}
	require.NoError(t, f.fs.OpenFile(f.ctx, op))
	return op.Handle
}

func (f *fixture) read(t *testing.T, h fuseops.HandleID, size int, offset int64) string {
	t.Helper()
	op := &fuseops.ReadFileOp{Handle: h, Offset: offset, Dst: make([]byte, size)}
	require.NoError(t, f.fs.ReadFile(f.ctx, op))
	return string(op.Dst[:op.BytesRead])
}

func (f *fixture) names(t *testing.T, path string) []string {
	t.Helper()
	in := f.fs.mintOrReuseInode(path, true)
	entries, err := f.fs.listDirectory(f.ctx, in)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestWriteThenRead(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	// create, write, flush, release.
	_, h := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, h, "hello", 0)
	f.flush(t, 0, h)

	assert.Equal(t, 1, f.srv.PutCount(), "flush must PUT")
	assert.Equal(t, "hello", string(f.srv.Body("/a.txt")))
	f.release(t, h)
	assert.Equal(t, 1, f.srv.PutCount(), "release without writes must not re-PUT")

	// A reopen within the refresh window issues no GET.
	look, err := f.lookup(t, fuseops.RootInodeID, "a.txt")
	require.NoError(t, err)
	h2 := f.open(t, look.Entry.Child)
	assert.Zero(t, f.srv.GetCount())
	assert.Equal(t, "hello", f.read(t, h2, 5, 0))
	f.release(t, h2)
}

func TestConditionalRevalidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	in, h := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, h, "hello", 0)
	f.release(t, h)
	require.Equal(t, 1, f.srv.PutCount())
	tag := f.srv.ETag("/a.txt")
	require.NotEmpty(t, tag)

	f.clock.AdvanceTime(4 * time.Second)

	h2 := f.open(t, in)
	assert.Equal(t, 1, f.srv.GetCount(), "stale open must revalidate")
	assert.Equal(t, "hello", f.read(t, h2, 5, 0))
	assert.Equal(t, tag, f.srv.ETag("/a.txt"), "304 must leave the tag unchanged")
	f.release(t, h2)
}

func TestReaddir(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.srv.AddDir("/d")
	f.srv.AddFile("/d/x", []byte("1"))
	f.srv.AddFile("/d/y", []byte("2"))

	names := f.names(t, "/d")
	assert.Equal(t, []string{".", "..", "x", "y"}, names)
}

func TestReaddirDegradation(t *testing.T) {
	f := newFixture(t, fixtureOptions{grace: true})
	f.srv.AddDir("/d")
	f.srv.AddFile("/d/x", []byte("1"))
	f.srv.AddFile("/d/y", []byte("2"))

	// Populate the cache.
	require.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	baseline := f.srv.PropfindCount()

	// The next listing fails; grace serves the stale children and trips
	// saint mode.
	f.clock.AdvanceTime(4 * time.Second)
	f.srv.FailPropfinds(1)
	assert.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	assert.Equal(t, baseline+1, f.srv.PropfindCount())
	assert.True(t, f.fs.saint.Active())

	// Inside the window no listing is attempted at all.
	f.clock.AdvanceTime(5 * time.Second)
	assert.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	assert.Equal(t, baseline+1, f.srv.PropfindCount())

	// Once the window lapses, refresh resumes.
	f.clock.AdvanceTime(saint.Duration)
	assert.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	assert.Greater(t, f.srv.PropfindCount(), baseline+1)
}

func TestProgressiveRefreshFallsBackToFull(t *testing.T) {
	f := newFixture(t, fixtureOptions{progressive: true})
	f.srv.AddDir("/d")
	f.srv.AddFile("/d/x", []byte("1"))

	require.Equal(t, []string{".", "..", "x"}, f.names(t, "/d"))

	// A later listing goes windowed; the server rejects the window, so a
	// full listing follows and still produces the children.
	f.srv.AddFile("/d/y", []byte("2"))
	f.clock.AdvanceTime(4 * time.Second)
	f.srv.StaleWindow(true)

	assert.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	assert.Equal(t, 1, f.srv.WindowPropfindCount())
}

func TestProgressiveRefreshPicksUpChangesAndDeletes(t *testing.T) {
	f := newFixture(t, fixtureOptions{progressive: true})
	f.srv.AddDir("/d")
	f.srv.AddFile("/d/x", []byte("1"))
	f.srv.AddFile("/d/y", []byte("2"))

	require.Equal(t, []string{".", "..", "x", "y"}, f.names(t, "/d"))
	full := f.srv.PropfindCount() - f.srv.WindowPropfindCount()

	f.srv.Remove("/d/y")
	f.srv.AddFile("/d/z", []byte("3"))
	f.clock.AdvanceTime(4 * time.Second)

	assert.Equal(t, []string{".", "..", "x", "z"}, f.names(t, "/d"))
	assert.Equal(t, 1, f.srv.WindowPropfindCount())
	assert.Equal(t, full, f.srv.PropfindCount()-f.srv.WindowPropfindCount(),
		"a successful windowed refresh must avoid the full listing")
}

func TestGetattrBaseDirSynthesized(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.RootInodeID}
	require.NoError(t, f.fs.GetInodeAttributes(f.ctx, op))
	assert.True(t, op.Attributes.Mode.IsDir())
	assert.EqualValues(t, 4096, op.Attributes.Size)
	assert.Zero(t, f.srv.PropfindCount(), "base dir stat must not touch the server")
}

func TestGetattrViaParentRefresh(t *testing.T) {
	f := newFixture(t, fixtureOptions{refreshDir: true})
	f.srv.AddDir("/d")
	f.srv.AddFile("/d/a", []byte("abc"))

	dir, err := f.lookup(t, fuseops.RootInodeID, "d")
	require.NoError(t, err)
	look, err := f.lookup(t, dir.Entry.Child, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, look.Entry.Attributes.Size)
}

func TestUnlinkRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, h := f.create(t, fuseops.RootInodeID, "a.txt")
	f.write(t, h, "data", 0)
	f.release(t, h)
	require.NotNil(t, f.srv.Body("/a.txt"))

	require.NoError(t, f.fs.Unlink(f.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a.txt"}))
	assert.Nil(t, f.srv.Body("/a.txt"))

	_, err := f.lookup(t, fuseops.RootInodeID, "a.txt")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestUnlinkDirectoryIsEISDIR(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.srv.AddDir("/d")

	err := f.fs.Unlink(f.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "d"})
	assert.Equal(t, syscall.EISDIR, err)
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	require.NoError(t, f.fs.MkDir(f.ctx, mk))
	assert.True(t, mk.Entry.Attributes.Mode.IsDir())

	require.NoError(t, f.fs.RmDir(f.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}))

	_, err := f.lookup(t, fuseops.RootInodeID, "d")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestRmdirNotEmpty(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	require.NoError(t, f.fs.MkDir(f.ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}))
	dir, err := f.lookup(t, fuseops.RootInodeID, "d")
	require.NoError(t, err)

	_, h := f.create(t, dir.Entry.Child, "child")
	f.release(t, h)

	err = f.fs.RmDir(f.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"})
	assert.Equal(t, syscall.ENOTEMPTY, err)

	// The directory survived on the server.
	_, err = f.lookup(t, dir.Entry.Child, "child")
	assert.NoError(t, err)
}

func TestRmdirOnFileIsENOTDIR(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.srv.AddFile("/a", []byte("x"))

	err := f.fs.RmDir(f.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "a"})
	assert.Equal(t, syscall.ENOTDIR, err)
}

func TestRenameMovesCaches(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, h := f.create(t, fuseops.RootInodeID, "a")
	f.write(t, h, "body", 0)
	f.release(t, h)

	require.NoError(t, f.fs.Rename(f.ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	}))

	_, err := f.lookup(t, fuseops.RootInodeID, "a")
	assert.Equal(t, syscall.ENOENT, err)

	look, err := f.lookup(t, fuseops.RootInodeID, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 4, look.Entry.Attributes.Size)
	assert.Equal(t, "body", string(f.srv.Body("/b")))
}

func TestRenameProceedsLocallyOnServer404(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, h := f.create(t, fuseops.RootInodeID, "a")
	f.write(t, h, "body", 0)
	f.release(t, h)

	f.srv.ForceMoveStatus(404)
	require.NoError(t, f.fs.Rename(f.ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "a",
		NewParent: fuseops.RootInodeID, NewName: "b",
	}))
	f.srv.ForceMoveStatus(0)

	// The caches moved even though the server lost the source.
	v, err := f.fs.statCache.Get("/b", true)
	require.NoError(t, err)
	assert.NotNil(t, v)
	v, err = f.fs.statCache.Get("/a", true)
	require.NoError(t, err)
	assert.Nil(t, v)

	// The file entry moved too: the new key opens its body from cache
	// without any fetch.
	gets := f.srv.GetCount()
	s, _, err := f.fs.fileCache.Open(f.ctx, "/b", os.O_RDWR, filecache.GraceNone)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, gets, f.srv.GetCount())

	buf := make([]byte, 10)
	n, err := s.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "body", string(buf[:n]))
}

func TestNullPathOperations(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	in, h := f.create(t, fuseops.RootInodeID, "a")
	f.write(t, h, "before", 0)
	f.flush(t, in, h)

	// Unlink while the descriptor stays open.
	require.NoError(t, f.fs.Unlink(f.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a"}))

	// Reads, writes, and attribute probes keep working off the session.
	assert.Equal(t, "before", f.read(t, h, 6, 0))
	f.write(t, h, "after!", 0)
	assert.Equal(t, "after!", f.read(t, h, 6, 0))

	attrs := &fuseops.GetInodeAttributesOp{Inode: in}
	require.NoError(t, f.fs.GetInodeAttributes(f.ctx, attrs))
	assert.EqualValues(t, 6, attrs.Attributes.Size)

	// Flush and release push nothing: the name is gone.
	puts := f.srv.PutCount()
	f.flush(t, in, h)
	f.release(t, h)
	assert.Equal(t, puts, f.srv.PutCount())
}

func TestTruncateViaSetattr(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	in, h := f.create(t, fuseops.RootInodeID, "a")
	f.write(t, h, "0123456789", 0)

	size := uint64(4)
	op := &fuseops.SetInodeAttributesOp{Inode: in, Size: &size}
	require.NoError(t, f.fs.SetInodeAttributes(f.ctx, op))
	assert.EqualValues(t, 4, op.Attributes.Size)

	assert.Equal(t, "0123", f.read(t, h, 10, 0))
	f.release(t, h)
}

func TestChmodChownUtimensIgnored(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	in, h := f.create(t, fuseops.RootInodeID, "a")
	f.release(t, h)

	mode := os.FileMode(0600)
	now := f.clock.Now()
	op := &fuseops.SetInodeAttributesOp{Inode: in, Mode: &mode, Mtime: &now}
	require.NoError(t, f.fs.SetInodeAttributes(f.ctx, op))
}

func TestForgetDropsInode(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.srv.AddFile("/a", []byte("x"))

	look, err := f.lookup(t, fuseops.RootInodeID, "a")
	require.NoError(t, err)
	id := look.Entry.Child

	require.NoError(t, f.fs.ForgetInode(f.ctx, &fuseops.ForgetInodeOp{Inode: id, N: 1}))
	assert.Nil(t, f.fs.lookupRecord(id))
}
