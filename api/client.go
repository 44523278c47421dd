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
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"

	"github.com/campusflow/lms-client/auth/state"
	"github.com/campusflow/lms-client/lib"
	"github.com/campusflow/lms-client/lib/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultRefreshPath is the backend endpoint exchanging a refresh token
	// for a new credential pair.
	DefaultRefreshPath = "/api/auth/refresh-token"

	requestIDHeader = "X-Request-ID"
	maxConns        = 100
)

// Config configures the API client.
type Config struct {
	// BaseURL is the backend root, e.g. https://lms.example.com.
	BaseURL string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// Store holds the credential pair.
	Store state.Store
	// Clock is used to measure refresh calls.
	Clock clockwork.Clock
	// RefreshPath overrides DefaultRefreshPath.
	RefreshPath string
	// OnAuthExpired is called for every call failing with AuthExpiredError,
	// after the stored credentials have been wiped.
	OnAuthExpired func(error)
	// HTTPClient overrides the underlying transport. Set only in tests.
	HTTPClient *http.Client
}

func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing backend base URL")
	}
	if c.Store == nil {
		return trace.BadParameter("missing credential store")
	}
	if c.Timeout == 0 {
		c.Timeout = lib.DefaultRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	return nil
}

// Client issues LMS API calls with the stored bearer token and silently
// recovers from access token expiry by refreshing the credential pair once
// and replaying the failed call.
type Client struct {
	client        *resty.Client
	store         state.Store
	clock         clockwork.Clock
	refreshPath   string
	onAuthExpired func(error)

	mu         sync.Mutex // protects the below fields and credential writes
	refreshing bool
	pending    pendingQueue
}

// New creates an API client.
func New(conf Config) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: conf.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
			},
		}
	}

	client := resty.NewWithClient(httpClient).
		SetBaseURL(conf.BaseURL).
		SetHeader("Accept", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if req.Header.Get(requestIDHeader) == "" {
			req.SetHeader(requestIDHeader, uuid.NewString())
		}
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Get(resp.Request.Context()).WithFields(logger.Fields{
			"request_id": resp.Request.Header.Get(requestIDHeader),
			"method":     resp.Request.Method,
			"url":        resp.Request.URL,
			"status":     resp.StatusCode(),
			"took":       resp.Time(),
		}).Debug("API call finished")
		return nil
	})

	return &Client{
		client:        client,
		store:         conf.Store,
		clock:         conf.Clock,
		refreshPath:   conf.RefreshPath,
		onAuthExpired: conf.OnAuthExpired,
	}, nil
}

// Store returns the credential store backing the client.
func (c *Client) Store() state.Store {
	return c.store
}

// StartSession replaces the stored session with creds.
func (c *Client) StartSession(ctx context.Context, creds *state.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(state.PutCredentials(ctx, c.store, creds))
}

// ClearSession wipes the stored credentials and the cached user.
func (c *Client) ClearSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return trace.Wrap(c.store.Clear(ctx))
}

// Do performs the call. A 401 caused by an expired access token is
// recovered once through a token refresh; every other failure is returned
// unchanged: *HTTPError for non-2xx answers, *NetworkError for transport
// failures and *AuthExpiredError once the session cannot be recovered.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" || req.Path == "" {
		return nil, trace.BadParameter("request must have a method and a path")
	}

	token, err := c.tokenFor(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.attempt(ctx, req, token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode() != http.StatusUnauthorized || !c.recoverable(req) {
		return c.finish(req, resp)
	}

	// From here on the request is marked as retried: a second 401 is final.
	logger.Get(ctx).WithField("path", req.Path).Debug("Access token rejected, recovering the session")
	newToken, err := c.recoverToken(ctx, token)
	if err != nil {
		if IsAuthExpired(err) {
			c.notify(err)
		}
		return nil, trace.Wrap(err)
	}

	resp, err = c.attempt(ctx, req, newToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, c.expire(ctx, newHTTPError(resp.StatusCode(), resp.Body()))
	}
	return c.finish(req, resp)
}

// recoverable reports whether a 401 on req may trigger a refresh.
func (c *Client) recoverable(req *Request) bool {
	return !req.SkipAuth && req.Path != c.refreshPath
}

func (c *Client) tokenFor(ctx context.Context, req *Request) (string, error) {
	if req.SkipAuth {
		return "", nil
	}
	token, err := state.GetValue(ctx, c.store, state.AccessTokenKey)
	return token, trace.Wrap(err)
}

// attempt sends req once with the given bearer token.
func (c *Client) attempt(ctx context.Context, req *Request, token string) (*resty.Response, error) {
	rr := req.build(c.client.R().SetContext(ctx), token)
	resp, err := rr.Execute(req.Method, req.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, trace.Wrap(ctxErr)
		}
		return nil, trace.Wrap(&NetworkError{Err: err})
	}
	return resp, nil
}

func (c *Client) finish(req *Request, resp *resty.Response) (*Response, error) {
	body := resp.Body()
	if !resp.IsSuccess() {
		return nil, trace.Wrap(newHTTPError(resp.StatusCode(), body))
	}
	if req.Result != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, req.Result); err != nil {
			return nil, trace.Wrap(err, "failed to decode %s %s response", req.Method, req.Path)
		}
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       body,
	}, nil
}

// expire wipes the session and reports it as expired.
func (c *Client) expire(ctx context.Context, cause error) error {
	if err := c.ClearSession(ctx); err != nil {
		logger.Get(ctx).WithError(err).Warn("Failed to clear the stored session")
	}
	authErr := &AuthExpiredError{Err: cause}
	c.notify(authErr)
	return trace.Wrap(authErr)
}

func (c *Client) notify(err error) {
	if c.onAuthExpired != nil {
		c.onAuthExpired(err)
	}
}
