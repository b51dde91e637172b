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

// Package stats tracks per-callback operation counters. Counters are
// bumped with atomic adds from any thread and dumped through the logger
// on SIGUSR2 along with allocator highlights.
package stats

import (
	"runtime"
	"sync/atomic"

	"github.com/davfuse/davfuse/internal/logger"
)

type Op int

const (
	GetAttr Op = iota
	FGetAttr
	ReadDir
	MkNod
	Create
	MkDir
	Unlink
	RmDir
	Rename
	Chmod
	Chown
	Truncate
	UTimens
	Open
	Read
	Write
	Release
	FSync
	Flush

	numOps
)

var opNames = [numOps]string{
	"getattr", "fgetattr", "readdir", "mknod", "create", "mkdir",
	"unlink", "rmdir", "rename", "chmod", "chown", "truncate",
	"utimens", "open", "read", "write", "release", "fsync", "flush",
}

var counters [numOps]atomic.Uint64

// Bump increments the counter for op.
func Bump(op Op) {
	if op >= 0 && op < numOps {
		counters[op].Add(1)
	}
}

// Count returns the current value of the counter for op.
func Count(op Op) uint64 {
	if op < 0 || op >= numOps {
		return 0
	}
	return counters[op].Load()
}

// Dump logs every counter plus allocator highlights. Wired to SIGUSR2.
func Dump() {
	logger.Noticef(logger.Main, "operation counters:")
	for op := Op(0); op < numOps; op++ {
		logger.Noticef(logger.Main, "  %-9s %d", opNames[op], counters[op].Load())
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logger.Noticef(logger.Main,
		"memstats: alloc=%d totalalloc=%d sys=%d heapobjects=%d numgc=%d",
		ms.Alloc, ms.TotalAlloc, ms.Sys, ms.HeapObjects, ms.NumGC)
}
