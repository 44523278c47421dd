/*
Copyright 2026 CampusFlow, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/campusflow/lms-client/lib"
	"github.com/campusflow/lms-client/lib/logger"
)

const (
	storageDisk   = "disk"
	storageBolt   = "bolt"
	storageFile   = "file"
	storageMemory = "memory"

	defaultDirName = ".lmsctl"
)

// Config is the lmsctl configuration.
type Config struct {
	Backend    lib.BackendConfig `toml:"backend"`
	Storage    StorageConfig     `toml:"storage"`
	Attendance AttendanceConfig  `toml:"attendance"`
	Log        logger.Config     `toml:"log"`
}

// StorageConfig selects where the session is kept between runs.
type StorageConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

// AttendanceConfig configures the face capture.
type AttendanceConfig struct {
	// CameraImage is a still image served as the camera frame.
	CameraImage     string `toml:"camera_image"`
	AttemptLimit    uint64 `toml:"attempt_limit"`
	AttemptInterval string `toml:"attempt_interval"`
	JPEGQuality     int    `toml:"jpeg_quality"`

	// Interval is parsed from AttemptInterval.
	Interval time.Duration `toml:"-"`
}

const exampleConfig = `# Example lmsctl configuration TOML file

[backend]
url = "http://localhost:5000" # LMS backend address
timeout = "30s"               # Timeout of a single API call

[storage]
type = "disk"                 # Session storage. Could be "disk", "bolt", "file" or "memory"
# path = "/home/user/.lmsctl/session"

[attendance]
camera_image = "/home/user/face.jpg" # Still image used as the camera frame
attempt_limit = 3                    # Captures allowed per attempt_interval, 0 disables the limit
attempt_interval = "1m"
# jpeg_quality = 92

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or "/var/log/lmsctl.log"
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// LoadConfig reads the config file, initializes a new Config struct object, and returns it.
// Optionally returns an error if the file is not readable, or if file format is invalid.
func LoadConfig(filepath string) (*Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// loadConfig loads path, or the default config file when path is empty.
// A missing default config file yields the defaults.
func loadConfig(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	path = defaultConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		conf := &Config{}
		if err := conf.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		return conf, nil
	}
	return LoadConfig(path)
}

// CheckAndSetDefaults checks the config struct for any logical errors, and sets default values
// if some values are missing.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Backend.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Storage.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Attendance.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "info"
	}
	return nil
}

func (c *StorageConfig) CheckAndSetDefaults() error {
	if c.Type == "" {
		c.Type = storageDisk
	}
	var name string
	switch c.Type {
	case storageDisk:
		name = "session"
	case storageBolt:
		name = "session.db"
	case storageFile:
		name = "session.json"
	case storageMemory:
		return nil
	default:
		return trace.BadParameter("unknown storage type %q, expected one of disk, bolt, file, memory", c.Type)
	}
	if c.Path == "" {
		dir, err := defaultDir()
		if err != nil {
			return trace.Wrap(err)
		}
		c.Path = filepath.Join(dir, name)
	}
	return nil
}

func (c *AttendanceConfig) CheckAndSetDefaults() error {
	if c.AttemptInterval != "" {
		interval, err := time.ParseDuration(c.AttemptInterval)
		if err != nil {
			return trace.Wrap(err, "failed to parse attendance.attempt_interval %q", c.AttemptInterval)
		}
		if interval <= 0 {
			return trace.BadParameter("attendance.attempt_interval must be positive, got %v", c.AttemptInterval)
		}
		c.Interval = interval
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return trace.BadParameter("attendance.jpeg_quality must be within 1..100, got %v", c.JPEGQuality)
	}
	return nil
}

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "failed to locate the home directory")
	}
	return filepath.Join(home, defaultDirName), nil
}

func defaultConfigPath() string {
	dir, err := defaultDir()
	if err != nil {
		return "lmsctl.toml"
	}
	return filepath.Join(dir, "lmsctl.toml")
}
