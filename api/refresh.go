package api

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/campusflow/lms-client/auth/state"
	"github.com/campusflow/lms-client/lib/logger"
)

// waiter is the continuation of a request deferred while a refresh is in
// flight. Exactly one of resolve or reject is called, exactly once.
type waiter struct {
	resolve func(token string)
	reject  func(err error)
}

// pendingQueue holds the waiters of the outstanding refresh in arrival
// order.
type pendingQueue struct {
	waiters []waiter
}

func (q *pendingQueue) push(w waiter) {
	q.waiters = append(q.waiters, w)
}

func (q *pendingQueue) len() int {
	return len(q.waiters)
}

// drain settles every waiter in FIFO order and empties the queue.
func (q *pendingQueue) drain(token string, err error) {
	waiters := q.waiters
	q.waiters = nil
	for _, w := range waiters {
		if err != nil {
			w.reject(err)
		} else {
			w.resolve(token)
		}
	}
}

type refreshResult struct {
	token string
	err   error
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// recoverToken returns an access token to replay a request that was
// rejected while carrying staleToken. At most one refresh call is in
// flight per client; concurrent callers queue behind it.
func (c *Client) recoverToken(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()

	current, err := state.GetValue(ctx, c.store, state.AccessTokenKey)
	if err != nil {
		c.mu.Unlock()
		return "", trace.Wrap(err)
	}
	// Another call already rotated the token after this one was sent.
	if current != "" && current != staleToken {
		c.mu.Unlock()
		return current, nil
	}

	if c.refreshing {
		resultC := make(chan refreshResult, 1)
		c.pending.push(waiter{
			resolve: func(token string) { resultC <- refreshResult{token: token} },
			reject:  func(err error) { resultC <- refreshResult{err: err} },
		})
		c.mu.Unlock()

		select {
		case res := <-resultC:
			return res.token, res.err
		case <-ctx.Done():
			return "", trace.Wrap(ctx.Err())
		}
	}

	refreshToken, err := state.GetValue(ctx, c.store, state.RefreshTokenKey)
	if err != nil {
		c.mu.Unlock()
		return "", trace.Wrap(err)
	}
	if refreshToken == "" {
		// No refresh is started, so there is nothing to drain.
		if err := c.store.Clear(ctx); err != nil {
			logger.Get(ctx).WithError(err).Warn("Failed to clear the stored session")
		}
		c.mu.Unlock()
		return "", trace.Wrap(&AuthExpiredError{Err: trace.NotFound("no refresh token stored")})
	}

	c.refreshing = true
	c.mu.Unlock()

	return c.refresh(ctx, refreshToken)
}

// refresh exchanges refreshToken for a new pair and settles the queue.
// The caller must have claimed c.refreshing.
func (c *Client) refresh(ctx context.Context, refreshToken string) (token string, err error) {
	log := logger.Get(ctx)
	start := c.clock.Now()

	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			if clearErr := c.store.Clear(ctx); clearErr != nil {
				log.WithError(clearErr).Warn("Failed to clear the stored session")
			}
		}
		c.refreshing = false
		if n := c.pending.len(); n > 0 {
			log.Debugf("Releasing %d queued requests", n)
		}
		c.pending.drain(token, err)
	}()

	log.Debug("Refreshing the session")

	// The refresh is shared by every queued request, so it must not be
	// cancelled together with the request that happened to start it.
	rctx := context.WithoutCancel(ctx)
	creds, refreshErr := c.callRefresh(rctx, refreshToken)
	if refreshErr != nil {
		log.WithError(refreshErr).Warn("Failed to refresh the session, signing out")
		return "", trace.Wrap(&AuthExpiredError{Err: refreshErr})
	}

	c.mu.Lock()
	putErr := state.PutCredentials(rctx, c.store, creds)
	c.mu.Unlock()
	if putErr != nil {
		log.WithError(putErr).Error("Failed to store the refreshed credentials")
		return "", trace.Wrap(&AuthExpiredError{Err: putErr})
	}

	log.WithField("took", c.clock.Since(start)).Info("Session refreshed")
	return creds.AccessToken, nil
}

func (c *Client) callRefresh(ctx context.Context, refreshToken string) (*state.Credentials, error) {
	var result refreshResponse
	req := Post(c.refreshPath, refreshRequest{RefreshToken: refreshToken}, &result)
	req.SkipAuth = true

	resp, err := c.attempt(ctx, req, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := c.finish(req, resp); err != nil {
		return nil, trace.Wrap(err)
	}
	if result.AccessToken == "" {
		return nil, trace.BadParameter("refresh response does not contain `accessToken`")
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return &state.Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}, nil
}
