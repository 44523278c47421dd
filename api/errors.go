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

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"
)

// AuthExpiredError is returned once the session cannot be recovered by a
// token refresh. The stored credentials are wiped by the time the caller
// sees it.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	if e.Err == nil {
		return "session expired"
	}
	return fmt.Sprintf("session expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response that the client did not recover from.
type HTTPError struct {
	StatusCode int
	Body       []byte
	// Message is the server-provided `error` or `message` field, if any.
	Message string
}

func newHTTPError(code int, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: code,
		Body:       body,
		Message:    ErrorMessage(body),
	}
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http error code=%v, message=%v", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http error code=%v (%s)", e.StatusCode, http.StatusText(e.StatusCode))
}

// NetworkError wraps a transport failure. The request may or may not have
// reached the server; it is never retried by the client.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrorMessage extracts a human-readable message from a JSON error body.
// Backends answer with either {"error": "..."} or {"message": "..."}.
func ErrorMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error", "message", "error.message"} {
		if res := gjson.GetBytes(body, path); res.Type == gjson.String && res.Str != "" {
			return res.Str
		}
	}
	return ""
}

// IsAuthExpired reports whether err is terminal for the session.
func IsAuthExpired(err error) bool {
	var target *AuthExpiredError
	return as(err, &target)
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return as(err, &target)
}

// AsHTTPError returns the HTTPError carried by err, if any.
func AsHTTPError(err error) (*HTTPError, bool) {
	var target *HTTPError
	if as(err, &target) {
		return target, true
	}
	return nil, false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if httpErr, ok := AsHTTPError(err); ok {
		return httpErr.StatusCode
	}
	return 0
}

func as(err error, target interface{}) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target) || errors.As(trace.Unwrap(err), target)
}
