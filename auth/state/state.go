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
)

const (
	// AccessTokenKey holds the short-lived bearer token.
	AccessTokenKey = "accessToken"
	// RefreshTokenKey holds the token used to obtain a new pair.
	RefreshTokenKey = "refreshToken"
	// UserKey holds the cached user profile as a JSON blob.
	UserKey = "user"
)

// Keys lists every key a Store may hold for a session.
var Keys = []string{AccessTokenKey, RefreshTokenKey, UserKey}

// Credentials represents the token pair issued by the LMS backend.
type Credentials struct {
	// AccessToken is attached as a Bearer token to every API call.
	AccessToken string `json:"accessToken"`
	// RefreshToken is used only to acquire a new pair.
	RefreshToken string `json:"refreshToken"`
}

// Store persists the session state under fixed string keys. It survives
// process restarts unless it is an in-memory store.
type Store interface {
	// Get returns the value stored under key or a trace.NotFound error.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Clear removes every session key.
	Clear(ctx context.Context) error
}

// GetValue returns the value stored under key, or an empty string when
// the key is absent.
func GetValue(ctx context.Context, s Store, key string) (string, error) {
	value, err := s.Get(ctx, key)
	if trace.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return value, nil
}

// GetCredentials reads the token pair. Missing tokens are left empty.
func GetCredentials(ctx context.Context, s Store) (*Credentials, error) {
	accessToken, err := GetValue(ctx, s, AccessTokenKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refreshToken, err := GetValue(ctx, s, RefreshTokenKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Credentials{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// PutCredentials replaces the stored token pair. The refresh token is
// written first so that a reader never sees a new access token next to a
// stale refresh token.
func PutCredentials(ctx context.Context, s Store, creds *Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return trace.BadParameter("credentials do not contain `accessToken`")
	}
	if creds.RefreshToken != "" {
		if err := s.Set(ctx, RefreshTokenKey, creds.RefreshToken); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(s.Set(ctx, AccessTokenKey, creds.AccessToken))
}

func checkKey(key string) error {
	for _, k := range Keys {
		if k == key {
			return nil
		}
	}
	return trace.BadParameter("unknown session key %q", key)
}
