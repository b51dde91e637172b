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
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/davfuse/davfuse/internal/fserr"
)

// Entries live under "fc:" + path + NUL, next to the stat cache's
// partitions in the shared store.
const entryPrefix = "fc:"

// The persisted record is a fixed layout for compatibility with caches
// written by earlier generations of the daemon: a NUL-padded body file
// name, a NUL-padded entity tag, and a little-endian revalidation stamp.
const (
	filenameMax = 4096
	etagMax     = 256
	encodedSize = filenameMax + etagMax + 1 + 8
)

// Entry is the persistent per-path record: where the body lives, which
// entity tag vouches for it, and when it was last revalidated.
type Entry struct {
	Filename         string
	ETag             string
	LastRevalidation int64 // unix seconds
}

func entryKey(path string) []byte {
	return append([]byte(entryPrefix+path), 0)
}

func pathFromKey(key []byte) string {
	return strings.TrimSuffix(strings.TrimPrefix(string(key), entryPrefix), "\x00")
}

func encodeEntry(e *Entry) ([]byte, error) {
	if len(e.Filename) >= filenameMax {
		return nil, fmt.Errorf("body filename too long: %d bytes", len(e.Filename))
	}
	if len(e.ETag) > etagMax {
		return nil, fmt.Errorf("entity tag too long: %d bytes", len(e.ETag))
	}

	buf := make([]byte, encodedSize)
	copy(buf, e.Filename)
	copy(buf[filenameMax:], e.ETag)
	binary.LittleEndian.PutUint64(buf[filenameMax+etagMax+1:], uint64(e.LastRevalidation))
	return buf, nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	if len(raw) != encodedSize {
		return nil, fmt.Errorf("entry is %d bytes, want %d", len(raw), encodedSize)
	}

	cut := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	}

	return &Entry{
		Filename:         cut(raw[:filenameMax]),
		ETag:             cut(raw[filenameMax : filenameMax+etagMax+1]),
		LastRevalidation: int64(binary.LittleEndian.Uint64(raw[filenameMax+etagMax+1:])),
	}, nil
}

// getEntry returns the entry for path, nil when absent. An undecodable
// record behaves as absent; the next access rewrites it.
func (c *Cache) getEntry(path string) (*Entry, error) {
	raw, err := c.store.Get(entryKey(path))
	if err != nil {
		return nil, fserr.Wrap(fserr.IO, path, err)
	}
	if raw == nil {
		return nil, nil
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, nil
	}
	return entry, nil
}

func (c *Cache) putEntry(path string, e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}
	if err := c.store.Put(entryKey(path), raw); err != nil {
		return fserr.Wrap(fserr.IO, path, err)
	}
	return nil
}
