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

package state

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"
)

// cacheSizeMaxBytes max memory cache
const cacheSizeMaxBytes = 1024

// DiskStore is a key-value store with one file per session key.
type DiskStore struct {
	dv *diskv.Diskv
}

// NewDiskStore creates a store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing session storage directory")
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
	})
	return &DiskStore{dv: dv}, nil
}

func (s *DiskStore) Get(_ context.Context, key string) (string, error) {
	if !s.dv.Has(key) {
		return "", trace.NotFound("session key %q is not set", key)
	}

	b, err := s.dv.Read(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(b), nil
}

func (s *DiskStore) Set(_ context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.dv.Write(key, []byte(value)))
}

// Clear erases the session keys only, other files in the directory are
// left alone.
func (s *DiskStore) Clear(_ context.Context) error {
	for _, key := range Keys {
		if !s.dv.Has(key) {
			continue
		}
		if err := s.dv.Erase(key); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
