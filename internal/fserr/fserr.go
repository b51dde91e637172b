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

// Package fserr defines the error taxonomy surfaced to the kernel bridge.
// Errors carry a kind and an optional source path; at the FUSE boundary
// they are translated to errnos with Errno.
package fserr

import (
	"errors"
	"fmt"
	"syscall"
)

type Kind int

const (
	// IO covers any server non-success that is not a 404, KV failures, and
	// local filesystem failures.
	IO Kind = iota
	NotFound
	IsDir
	NotDir
	NotEmpty
	BadFD

	// KeyExpired marks a cache hit that is stale. It is consumed within the
	// caching layer and must never reach the kernel bridge.
	KeyExpired
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case NotFound:
		return "not-found"
	case IsDir:
		return "is-directory"
	case NotDir:
		return "not-directory"
	case NotEmpty:
		return "not-empty"
	case BadFD:
		return "bad-descriptor"
	case KeyExpired:
		return "key-expired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// E is an error with a kind, an optional source path, and an optional
// wrapped cause.
type E struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Path != "" {
		s += ": " + e.Path
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error {
	return e.Err
}

func New(kind Kind, path, msg string) error {
	return &E{Kind: kind, Path: path, Msg: msg}
}

func Wrap(kind Kind, path string, err error) error {
	return &E{Kind: kind, Path: path, Err: err}
}

// KindOf reports the kind of err, defaulting to IO for errors minted
// elsewhere (KV, disk, transport).
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return IO
}

// Is lets errors.Is match against a bare kind sentinel made with New.
func (e *E) Is(target error) bool {
	var t *E
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Errno translates err for the kernel bridge. The result is a positive
// errno value; the bridge negates it on the wire.
func Errno(err error) syscall.Errno {
	switch KindOf(err) {
	case NotFound:
		return syscall.ENOENT
	case IsDir:
		return syscall.EISDIR
	case NotDir:
		return syscall.ENOTDIR
	case NotEmpty:
		return syscall.ENOTEMPTY
	case BadFD:
		return syscall.EBADF
	case KeyExpired:
		// Internal to the caching layer; seeing it here is a bug, but the
		// kernel still needs a sane answer.
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
