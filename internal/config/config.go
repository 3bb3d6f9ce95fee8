// Copyright 2023 Tetrate
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

// Package config loads $HOME/.diving/config.yml.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tetratelabs/diving/api"
)

// Defaults applied to fields missing from config.yml.
const (
	DefaultLayerPath          = "layers"
	DefaultLayerTTL           = "90d"
	DefaultLowestEfficiency   = 0.95
	DefaultHighestWastedBytes = "20MiB"
	DefaultHighestWastedPct   = 0.20
)

// Config mirrors config.yml. String fields keep their human spellings;
// use TTL, Policy and LayerDir for parsed values.
type Config struct {
	LayerPath                string  `yaml:"layer_path"`
	LayerTTL                 string  `yaml:"layer_ttl"`
	Threads                  int     `yaml:"threads"`
	LowestEfficiency         float64 `yaml:"lowest_efficiency"`
	HighestWastedBytes       string  `yaml:"highest_wasted_bytes"`
	HighestUserWastedPercent float64 `yaml:"highest_user_wasted_percent"`

	// dir is the resolved $HOME/.diving.
	dir string
}

// Load reads config.yml under dir, or applies pure defaults when the file
// doesn't exist. An empty dir resolves to $HOME/.diving.
func Load(dir string) (*Config, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, api.NewError(api.CategoryConfig, err.Error())
		}
		dir = filepath.Join(home, ".diving")
	}
	c := &Config{dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, "config.yml"))
	if err != nil && !os.IsNotExist(err) {
		return nil, api.NewError(api.CategoryConfig, err.Error())
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, api.NewError(api.CategoryConfig, errors.Wrap(err, "parsing config.yml").Error())
		}
	}

	if c.LayerPath == "" {
		c.LayerPath = DefaultLayerPath
	}
	if c.LayerTTL == "" {
		c.LayerTTL = DefaultLayerTTL
	}
	if c.LowestEfficiency == 0 {
		c.LowestEfficiency = DefaultLowestEfficiency
	}
	if c.HighestWastedBytes == "" {
		c.HighestWastedBytes = DefaultHighestWastedBytes
	}
	if c.HighestUserWastedPercent == 0 {
		c.HighestUserWastedPercent = DefaultHighestWastedPct
	}

	// fail on malformed values at load time, not at first use
	if _, err := c.TTL(); err != nil {
		return nil, err
	}
	if _, err := c.Policy(); err != nil {
		return nil, err
	}
	return c, nil
}

// LayerDir is the blob store directory.
func (c *Config) LayerDir() string {
	return filepath.Join(c.dir, c.LayerPath)
}

// TTL parses layer_ttl, accepting a day suffix on top of the usual
// duration units. Ex. "90d", "36h", "1d12h".
func (c *Config) TTL() (time.Duration, error) {
	d, err := parseDuration(c.LayerTTL)
	if err != nil {
		return 0, api.NewError(api.CategoryConfig, "invalid layer_ttl: "+err.Error())
	}
	return d, nil
}

// Policy converts the thresholds into the CI gate.
func (c *Config) Policy() (api.Policy, error) {
	maxWasted, err := units.RAMInBytes(c.HighestWastedBytes)
	if err != nil {
		return api.Policy{}, api.NewError(api.CategoryConfig, "invalid highest_wasted_bytes: "+err.Error())
	}
	return api.Policy{
		MinEfficiency:    c.LowestEfficiency,
		MaxWastedBytes:   maxWasted,
		MaxWastedPercent: c.HighestUserWastedPercent,
	}, nil
}

var dayPattern = regexp.MustCompile(`^(\d+)d(.*)$`)

// parseDuration extends time.ParseDuration with a leading day component.
func parseDuration(value string) (time.Duration, error) {
	matches := dayPattern.FindStringSubmatch(value)
	if matches == nil {
		return time.ParseDuration(value)
	}
	days, err := time.ParseDuration(matches[1] + "h")
	if err != nil {
		return 0, err
	}
	rest := time.Duration(0)
	if matches[2] != "" {
		if rest, err = time.ParseDuration(matches[2]); err != nil {
			return 0, err
		}
	}
	return days*24 + rest, nil
}
