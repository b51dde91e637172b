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

package filecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFixedLayout(t *testing.T) {
	e := &Entry{
		Filename:         "/cache/files/davfuse-cache-123456",
		ETag:             `"abc123"`,
		LastRevalidation: 1700000000,
	}

	raw, err := encodeEntry(e)
	require.NoError(t, err)
	assert.Len(t, raw, encodedSize)

	got, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEntryEmptyETag(t *testing.T) {
	raw, err := encodeEntry(&Entry{Filename: "/f", LastRevalidation: 1})
	require.NoError(t, err)

	got, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Empty(t, got.ETag)
}

func TestEntryRejectsOversizedFields(t *testing.T) {
	_, err := encodeEntry(&Entry{Filename: strings.Repeat("x", filenameMax)})
	assert.Error(t, err)

	_, err = encodeEntry(&Entry{Filename: "/f", ETag: strings.Repeat("e", etagMax+1)})
	assert.Error(t, err)
}

func TestEntryRejectsWrongLength(t *testing.T) {
	_, err := decodeEntry(make([]byte, 16))
	assert.Error(t, err)
}

func TestEntryKeyCarriesTerminatingNul(t *testing.T) {
	key := entryKey("/a/b")
	assert.Equal(t, "fc:/a/b\x00", string(key))
	assert.Equal(t, "/a/b", pathFromKey(key))
}
