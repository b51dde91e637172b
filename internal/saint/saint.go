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

// Package saint implements the degradation controller. After a qualifying
// remote failure the filesystem serves cached data and suppresses server
// calls for a fixed window ("saint mode"), trading freshness for
// availability.
package saint

import (
	"sync"
	"time"

	"github.com/davfuse/davfuse/clock"
)

// How long a single failure keeps saint mode engaged.
const Duration = 10 * time.Second

type Mode struct {
	clock clock.Clock

	mu          sync.Mutex
	lastFailure time.Time // GUARDED_BY(mu)
}

func New(c clock.Clock) *Mode {
	return &Mode{clock: c}
}

// Trip records a qualifying failure, engaging saint mode for Duration
// from now. There is no explicit clear; Active lapses on its own.
func (m *Mode) Trip() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastFailure = m.clock.Now()
}

// Active reports whether the failure window is still open.
func (m *Mode) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastFailure.IsZero() {
		return false
	}
	return m.clock.Now().Before(m.lastFailure.Add(Duration))
}
