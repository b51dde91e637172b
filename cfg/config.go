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

// Package cfg holds the mount configuration: the option surface of
// `davfuse <uri> <mountpoint> [-o opt,...]`, optionally supplemented by
// an INI-style config file.
package cfg

import (
	"fmt"
)

type Config struct {
	// Positional arguments.
	URI        string
	MountPoint string

	// Protocol and performance.
	ProgressivePropfind   bool   `mapstructure:"progressive_propfind"`
	RefreshDirForFileStat bool   `mapstructure:"refresh_dir_for_file_stat"`
	Grace                 bool   `mapstructure:"grace"`
	SingleThread          bool   `mapstructure:"singlethread"`
	CacheURI              string `mapstructure:"cache_uri"`

	// Authentication.
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	CACertificate     string `mapstructure:"ca_certificate"`
	ClientCertificate string `mapstructure:"client_certificate"`

	// Daemon, logging, and process privilege.
	NoDaemon         bool   `mapstructure:"nodaemon"`
	CachePath        string `mapstructure:"cache_path"`
	RunAsUID         string `mapstructure:"run_as_uid"`
	RunAsGID         string `mapstructure:"run_as_gid"`
	Verbosity        int    `mapstructure:"verbosity"`
	SectionVerbosity string `mapstructure:"section_verbosity"`

	ConfigFile string `mapstructure:"config_file"`

	// Mount options we don't recognize, passed through to the kernel
	// mount verbatim.
	ExtraMountOptions map[string]string
}

// New returns a config carrying the defaults.
func New() *Config {
	return &Config{
		Verbosity:         5, // LOG_NOTICE
		ExtraMountOptions: make(map[string]string),
	}
}

// Validate checks the pieces startup cannot proceed without.
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("missing the required URI argument")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("missing the required mountpoint argument")
	}
	if c.Verbosity < 0 || c.Verbosity > 7 {
		return fmt.Errorf("verbosity %d out of range 0-7", c.Verbosity)
	}
	for _, d := range c.SectionVerbosity {
		if d < '0' || d > '7' {
			return fmt.Errorf("section_verbosity %q: digits must be 0-7", c.SectionVerbosity)
		}
	}
	return nil
}
