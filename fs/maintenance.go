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

	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/internal/filecache"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/statcache"
)

// RunMaintenance is the background sweep: reconcile the file cache, prune
// the stat cache, sleep, repeat. The first iteration runs immediately so
// a crash that left orphans behind is healed at startup. Cancelling ctx
// interrupts the sleep and ends the worker.
func RunMaintenance(ctx context.Context, fc *filecache.Cache, sc *statcache.Cache, c clock.Clock) {
	logger.Debugf(logger.Main, "maintenance worker starting")

	first := true
	for {
		if err := fc.Cleanup(first); err != nil {
			logger.Warnf(logger.FileCache, "maintenance: cleanup: %v", err)
		}
		first = false

		if err := sc.Prune(); err != nil {
			logger.Warnf(logger.StatCache, "maintenance: prune: %v", err)
		}

		select {
		case <-ctx.Done():
			logger.Noticef(logger.Main, "maintenance worker exiting")
			return
		case <-c.After(filecache.CleanupInterval):
		}
	}
}
