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

package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davfuse/davfuse/internal/logger"
)

// capture redirects log output to a file and returns a reader for it.
func capture(t *testing.T) func() string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log")
	f, err := os.Create(path)
	require.NoError(t, err)
	logger.SetOutput(f)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		_ = f.Close()
	})
	return func() string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}
}

func TestGlobalVerbosityGatesDebug(t *testing.T) {
	read := capture(t)
	logger.Init(5, "")

	logger.Debugf(logger.Main, "quiet-debug-line")
	logger.Noticef(logger.Main, "loud-notice-line")

	out := read()
	assert.NotContains(t, out, "quiet-debug-line")
	assert.Contains(t, out, "loud-notice-line")
}

func TestSectionOverride(t *testing.T) {
	read := capture(t)
	// Section order is default, main, fs; bump only "fs" to debug.
	logger.Init(5, "007")

	logger.Debugf(logger.Main, "main-debug-line")
	logger.Debugf(logger.FS, "fs-debug-line")

	out := read()
	assert.NotContains(t, out, "main-debug-line")
	assert.Contains(t, out, "fs-debug-line")
}

func TestSectionNameInOutput(t *testing.T) {
	read := capture(t)
	logger.Init(7, "")

	logger.Infof(logger.FileCache, "tagged-line")
	assert.Contains(t, read(), "filecache")
}
