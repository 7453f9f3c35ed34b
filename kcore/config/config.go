// Copyright 2026 The gVisor Authors.
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

// Package config holds the kcore command line configuration and the
// description of the simulated machine.
package config

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/log"
)

// Config holds the global flags. Fields tagged with "flag" are populated by
// NewFromFlags.
type Config struct {
	// MachineFile is the TOML or YAML file describing the machine. Empty
	// means the default machine.
	MachineFile string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file logs are written to. It may contain
	// %TIMESTAMP% and %COMMAND%.
	LogFilename string `flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr sends log messages to stderr as well.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MemoryFile backs the machine's RAM with a file, overriding the
	// machine file.
	MemoryFile string `flag:"memory-file"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	return nil
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("  %s", f)
	}
}
