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

// Package cmd wires the command line to the mount: option parsing,
// daemonization, signals, and the construction of the caches and the
// filesystem server.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davfuse/davfuse/cfg"
)

var (
	optionFlags []string
	foreground  bool
)

var rootCmd = &cobra.Command{
	Use:   "davfuse <uri> <mountpoint> [-o opt,...]",
	Short: "Mount a remote WebDAV collection as a local filesystem",
	Long: `davfuse mounts a remote WebDAV collection as a local POSIX filesystem.
The remote server is the source of truth; local metadata and content
caches absorb latency and keep serving during transient server failure.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := cfg.New()
		config.URI = args[0]

		mountPoint, err := resolvePath(args[1])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}
		config.MountPoint = mountPoint

		if err := cfg.ApplyMountOptions(config, optionFlags); err != nil {
			return err
		}
		if config.ConfigFile != "" {
			if err := cfg.ApplyConfigFile(config, config.ConfigFile); err != nil {
				return err
			}
		}
		if err := config.Validate(); err != nil {
			return err
		}

		return runMount(config)
	},
}

func init() {
	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}")

	rootCmd.Flags().StringArrayVarP(&optionFlags, "options", "o", nil, "mount options")
	rootCmd.Flags().BoolP("version", "V", false, "print version")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "do not daemonize (set internally on re-exec)")
	_ = rootCmd.Flags().MarkHidden("foreground")
}

// resolvePath makes path absolute. Important when daemonizing: the daemon
// changes its working directory before running this code again.
func resolvePath(path string) (string, error) {
	return filepath.Abs(path)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
