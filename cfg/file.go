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

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// The config file is sectioned key/value, e.g.:
//
//	[ProtocolAndPerformance]
//	progressive_propfind=true
//	refresh_dir_for_file_stat=true
//	grace=true
//	singlethread=false
//	cache_uri=http://203.0.113.7:10061/davfuse-peer-cache
//
//	[Authenticate]
//	ca_certificate=/etc/pki/tls/certs/ca-bundle.crt
//	client_certificate=/srv/bindings/deadbeef/certs/binding.pem
//
//	[LogAndProcess]
//	nodaemon=false
//	cache_path=/srv/bindings/deadbeef/cache
//	run_as_uid=deadbeef
//	run_as_gid=deadbeef
//	verbosity=5
//	section_verbosity=0

// fileConfig mirrors the file's section layout. Pointer fields
// distinguish "absent" from zero values so the file only overrides what
// it actually sets.
type fileConfig struct {
	ProtocolAndPerformance struct {
		ProgressivePropfind   *bool   `mapstructure:"progressive_propfind"`
		RefreshDirForFileStat *bool   `mapstructure:"refresh_dir_for_file_stat"`
		Grace                 *bool   `mapstructure:"grace"`
		SingleThread          *bool   `mapstructure:"singlethread"`
		CacheURI              *string `mapstructure:"cache_uri"`
	} `mapstructure:"protocolandperformance"`

	Authenticate struct {
		Username          *string `mapstructure:"username"`
		Password          *string `mapstructure:"password"`
		CACertificate     *string `mapstructure:"ca_certificate"`
		ClientCertificate *string `mapstructure:"client_certificate"`
	} `mapstructure:"authenticate"`

	LogAndProcess struct {
		NoDaemon         *bool   `mapstructure:"nodaemon"`
		CachePath        *string `mapstructure:"cache_path"`
		RunAsUID         *string `mapstructure:"run_as_uid"`
		RunAsGID         *string `mapstructure:"run_as_gid"`
		Verbosity        *int    `mapstructure:"verbosity"`
		SectionVerbosity *string `mapstructure:"section_verbosity"`
	} `mapstructure:"logandprocess"`
}

// iniDecodeOption relaxes decoding for INI input, where every value
// arrives as a string.
func iniDecodeOption() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}
}

// ApplyConfigFile loads the supplementary config file into c. Values the
// file sets override what the command line supplied.
func ApplyConfigFile(c *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc, iniDecodeOption()); err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}

	pp := fc.ProtocolAndPerformance
	setBool(&c.ProgressivePropfind, pp.ProgressivePropfind)
	setBool(&c.RefreshDirForFileStat, pp.RefreshDirForFileStat)
	setBool(&c.Grace, pp.Grace)
	setBool(&c.SingleThread, pp.SingleThread)
	setString(&c.CacheURI, pp.CacheURI)

	auth := fc.Authenticate
	setString(&c.Username, auth.Username)
	setString(&c.Password, auth.Password)
	setString(&c.CACertificate, auth.CACertificate)
	setString(&c.ClientCertificate, auth.ClientCertificate)

	lp := fc.LogAndProcess
	setBool(&c.NoDaemon, lp.NoDaemon)
	setString(&c.CachePath, lp.CachePath)
	setString(&c.RunAsUID, lp.RunAsUID)
	setString(&c.RunAsGID, lp.RunAsGID)
	setInt(&c.Verbosity, lp.Verbosity)
	setString(&c.SectionVerbosity, lp.SectionVerbosity)

	return nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
