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

package lib

import (
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

const (
	// DefaultBackendURL is where a locally started LMS backend listens.
	DefaultBackendURL = "http://localhost:5000"
	// DefaultRequestTimeout bounds a single HTTP attempt.
	DefaultRequestTimeout = 30 * time.Second
)

// BackendConfig stores config options for where the LMS REST backend
// is listening.
type BackendConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`

	// RequestTimeout is parsed from Timeout.
	RequestTimeout time.Duration `toml:"-"`
}

func (cfg *BackendConfig) CheckAndSetDefaults() error {
	if cfg.URL == "" {
		cfg.URL = DefaultBackendURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return trace.Wrap(err, "failed to parse backend url %q", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return trace.BadParameter("backend url must use http or https scheme, got %q", cfg.URL)
	}
	if u.Host == "" {
		return trace.BadParameter("backend url %q has no host", cfg.URL)
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	cfg.RequestTimeout = DefaultRequestTimeout
	if cfg.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return trace.Wrap(err, "failed to parse backend timeout %q", cfg.Timeout)
		}
		if timeout <= 0 {
			return trace.BadParameter("backend timeout must be positive, got %v", cfg.Timeout)
		}
		cfg.RequestTimeout = timeout
	}

	return nil
}
