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

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/kardianos/osext"

	"github.com/davfuse/davfuse/cfg"
	"github.com/davfuse/davfuse/clock"
	"github.com/davfuse/davfuse/fs"
	"github.com/davfuse/davfuse/internal/filecache"
	"github.com/davfuse/davfuse/internal/kv"
	"github.com/davfuse/davfuse/internal/logger"
	"github.com/davfuse/davfuse/internal/saint"
	"github.com/davfuse/davfuse/internal/statcache"
	"github.com/davfuse/davfuse/internal/stats"
	"github.com/davfuse/davfuse/internal/webdav"
)

// Set in the daemon child's environment so it knows to report the mount
// outcome back to the waiting parent.
const backgroundModeEnv = "DAVFUSE_IN_BACKGROUND"

func runMount(config *cfg.Config) error {
	logger.Init(config.Verbosity, config.SectionVerbosity)

	// Unless asked to stay in the foreground, run a daemon with the
	// foreground flag set and wait for it to report the mount outcome.
	if !config.NoDaemon && !foreground {
		return daemonizeSelf(config)
	}

	err := mountAndServe(config)
	if os.Getenv(backgroundModeEnv) != "" {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf(logger.Main, "failed to signal outcome to parent: %v", err2)
		}
	}
	return err
}

// daemonizeSelf re-executes the binary in the background with
// --foreground put before the original arguments and waits for it to
// signal mount success.
func daemonizeSelf(config *cfg.Config) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	// Re-run with the potentially-canonicalized mount point in place of the
	// mount point argument as given; -o options may follow it.
	args := append([]string{"--foreground"}, os.Args[1:]...)
	if pos := rootCmd.Flags().Args(); len(pos) == 2 {
		for i := 1; i < len(args); i++ {
			if args[i] == pos[1] {
				args[i] = config.MountPoint
				break
			}
		}
	}

	// PATH lets the daemon find fusermount.
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		fmt.Sprintf("%s=true", backgroundModeEnv),
	}

	if err := daemonize.Run(path, args, env, os.Stdout, nil); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Noticef(logger.Main, "file system has been successfully mounted")
	return nil
}

func mountAndServe(config *cfg.Config) (err error) {
	logger.Noticef(logger.Main, "starting davfuse/%s: %s on %s", version, config.URI, config.MountPoint)
	if config.CacheURI != "" {
		logger.Infof(logger.Main, "using peer cache URI: %s", config.CacheURI)
	}

	dav, err := webdav.New(webdav.Options{
		URI:               config.URI,
		Username:          config.Username,
		Password:          config.Password,
		CACertificate:     config.CACertificate,
		ClientCertificate: config.ClientCertificate,
	})
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}

	cachePath := config.CachePath
	if cachePath == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("no cache_path configured and no user cache dir: %w", err)
		}
		cachePath = filepath.Join(base, "davfuse")
	}
	if err := os.MkdirAll(cachePath, 0770); err != nil {
		return fmt.Errorf("creating cache path: %w", err)
	}

	store, err := kv.Open(filepath.Join(cachePath, "davfuse.db"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	clk := clock.RealClock{}
	statCache := statcache.New(store, clk)
	fileCache, err := filecache.New(store, dav, clk, cachePath)
	if err != nil {
		return err
	}
	degradation := saint.New(clk)

	server, err := fs.NewServer(&fs.ServerConfig{
		Clock:                 clk,
		DAV:                   dav,
		StatCache:             statCache,
		FileCache:             fileCache,
		Saint:                 degradation,
		ProgressivePropfind:   config.ProgressivePropfind,
		RefreshDirForFileStat: config.RefreshDirForFileStat,
		Grace:                 config.Grace,
		SingleThread:          config.SingleThread,
		Uid:                   uint32(os.Getuid()),
		Gid:                   uint32(os.Getgid()),
	})
	if err != nil {
		return err
	}

	mfs, err := fuse.Mount(config.MountPoint, server, &fuse.MountConfig{
		FSName:                  config.URI,
		Subtype:                 "davfuse",
		Options:                 config.ExtraMountOptions,
		DisableWritebackCaching: true,
		ErrorLogger:             log.New(os.Stderr, "fuse: ", 0),
	})
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}
	logger.Noticef(logger.Main, "mounted %s", config.MountPoint)

	if err := configPrivileges(config); err != nil {
		_ = fuse.Unmount(config.MountPoint)
		return err
	}

	registerSignalHandlers(config.MountPoint)

	// The maintenance worker heals crash leftovers immediately, then runs
	// daily. Its sleep is interrupted at unmount.
	maintCtx, cancelMaint := context.WithCancel(context.Background())
	defer cancelMaint()
	go fs.RunMaintenance(maintCtx, fileCache, statCache, clk)

	logger.Noticef(logger.Main, "startup complete; serving")
	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	logger.Noticef(logger.Main, "unmounted; shutting down")
	return nil
}

// registerSignalHandlers wires the signal surface: HUP/INT/TERM unmount
// and thereby end the serve loop, PIPE is ignored, USR1 is an accepted
// no-op wake, USR2 dumps statistics.
func registerSignalHandlers(mountPoint string) {
	signal.Ignore(syscall.SIGPIPE)

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	go func() {
		for range wake {
		}
	}()

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR2)
	go func() {
		for range dump {
			stats.Dump()
		}
	}()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range term {
			logger.Noticef(logger.Main, "received %v, attempting to unmount", sig)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf(logger.Main, "failed to unmount: %v", err)
			} else {
				return
			}
		}
	}()
}

// configPrivileges drops to the configured user and group, resolved by
// name. With run_as_uid set but no explicit group, the user's primary
// group applies.
func configPrivileges(config *cfg.Config) error {
	if config.RunAsGID != "" {
		g, err := user.LookupGroup(config.RunAsGID)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", config.RunAsGID, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("group %q: non-numeric gid %q", config.RunAsGID, g.Gid)
		}
		if err := syscall.Setegid(gid); err != nil {
			return fmt.Errorf("can't drop gid to %d: %w", gid, err)
		}
		logger.Debugf(logger.Main, "set egid to %d", gid)
	}

	if config.RunAsUID != "" {
		u, err := user.Lookup(config.RunAsUID)
		if err != nil {
			return fmt.Errorf("looking up user %q: %w", config.RunAsUID, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("user %q: non-numeric uid %q", config.RunAsUID, u.Uid)
		}

		if config.RunAsGID == "" {
			gid, err := strconv.Atoi(u.Gid)
			if err != nil {
				return fmt.Errorf("user %q: non-numeric primary gid %q", config.RunAsUID, u.Gid)
			}
			if err := syscall.Setegid(gid); err != nil {
				return fmt.Errorf("can't drop gid to %d (uid %d's primary gid): %w", gid, uid, err)
			}
			logger.Debugf(logger.Main, "set egid to %d (primary gid of uid %d)", gid, uid)
		}

		if err := syscall.Seteuid(uid); err != nil {
			return fmt.Errorf("can't drop uid to %d: %w", uid, err)
		}
		logger.Debugf(logger.Main, "set euid to %d", uid)
	}

	return nil
}
