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

package fserr_test

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davfuse/davfuse/internal/fserr"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		kind fserr.Kind
		want syscall.Errno
	}{
		{fserr.NotFound, syscall.ENOENT},
		{fserr.IsDir, syscall.EISDIR},
		{fserr.NotDir, syscall.ENOTDIR},
		{fserr.NotEmpty, syscall.ENOTEMPTY},
		{fserr.BadFD, syscall.EBADF},
		{fserr.IO, syscall.EIO},
		{fserr.KeyExpired, syscall.EIO},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, fserr.Errno(fserr.New(tc.kind, "/p", "")), tc.kind.String())
	}
}

func TestKindOfDefaultsToIO(t *testing.T) {
	assert.Equal(t, fserr.IO, fserr.KindOf(errors.New("disk on fire")))
}

func TestWrappingPreservesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := fserr.Wrap(fserr.NotFound, "/a", cause)

	assert.Equal(t, fserr.NotFound, fserr.KindOf(err))
	assert.True(t, errors.Is(err, cause))

	// Wrapping again with %w keeps both reachable.
	outer := fmt.Errorf("open: %w", err)
	assert.Equal(t, fserr.NotFound, fserr.KindOf(outer))
	assert.True(t, errors.Is(outer, cause))
}

func TestMessageShape(t *testing.T) {
	err := fserr.New(fserr.NotEmpty, "/d", "rmdir")
	assert.Contains(t, err.Error(), "not-empty")
	assert.Contains(t, err.Error(), "/d")
}
