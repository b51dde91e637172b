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

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplyMountOptions folds mount(8)-style option strings ("opt,opt=value,...",
// possibly split over several -o flags) into the config. Options davfuse
// does not recognize are collected for pass-through to the kernel mount.
func ApplyMountOptions(c *Config, optionFlags []string) error {
	for _, flagValue := range optionFlags {
		for _, opt := range strings.Split(flagValue, ",") {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				continue
			}

			name, value, hasValue := strings.Cut(opt, "=")
			if err := applyOption(c, name, value, hasValue); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOption(c *Config, name, value string, hasValue bool) error {
	boolValue := func() (bool, error) {
		if !hasValue {
			return true, nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("option %s: %w", name, err)
		}
		return b, nil
	}
	stringValue := func() (string, error) {
		if !hasValue {
			return "", fmt.Errorf("option %s requires a value", name)
		}
		return value, nil
	}

	var err error
	switch name {
	case "progressive_propfind":
		c.ProgressivePropfind, err = boolValue()
	case "refresh_dir_for_file_stat":
		c.RefreshDirForFileStat, err = boolValue()
	case "grace":
		c.Grace, err = boolValue()
	case "singlethread":
		c.SingleThread, err = boolValue()
	case "cache_uri":
		c.CacheURI, err = stringValue()
	case "username":
		c.Username, err = stringValue()
	case "password":
		c.Password, err = stringValue()
	case "ca_certificate":
		c.CACertificate, err = stringValue()
	case "client_certificate":
		c.ClientCertificate, err = stringValue()
	case "nodaemon":
		c.NoDaemon, err = boolValue()
	case "cache_path":
		c.CachePath, err = stringValue()
	case "run_as_uid":
		c.RunAsUID, err = stringValue()
	case "run_as_gid":
		c.RunAsGID, err = stringValue()
	case "verbosity":
		var s string
		if s, err = stringValue(); err == nil {
			c.Verbosity, err = strconv.Atoi(s)
			if err != nil {
				err = fmt.Errorf("option verbosity: %w", err)
			}
		}
	case "section_verbosity":
		c.SectionVerbosity, err = stringValue()
	case "config_file":
		c.ConfigFile, err = stringValue()
	default:
		// Not ours; hand it to the kernel mount untouched.
		if hasValue {
			c.ExtraMountOptions[name] = value
		} else {
			c.ExtraMountOptions[name] = ""
		}
	}
	return err
}
