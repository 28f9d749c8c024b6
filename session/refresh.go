package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleRetryDelay is the pause before the single retry of a stale refresh.
	DefaultStaleRetryDelay = 500 * time.Millisecond
	// DefaultRefreshTimeout bounds one refresh round trip.
	DefaultRefreshTimeout = 15 * time.Second
)

// RefreshStatus is the outcome class reported by a refresh endpoint.
type RefreshStatus int

const (
	StatusOK RefreshStatus = iota
	// StatusStale means the credential raced another refresh; retrying may succeed.
	StatusStale
	StatusFailed
)

func (s RefreshStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStale:
		return "stale"
	default:
		return "failed"
	}
}

// Token is an access credential.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// RefreshEndpoint exchanges the current credential for a new one.
type RefreshEndpoint interface {
	Refresh(ctx context.Context) (Token, RefreshStatus, error)
}

// RefreshOptions configures a Refresher.
type RefreshOptions struct {
	StaleRetryDelay time.Duration
	Timeout         time.Duration
	// Initial is the token in use before the first refresh.
	Initial Token
	Logger  zerolog.Logger
}

// Refresher serializes credential refresh: concurrent callers share one
// in-flight request.
type Refresher struct {
	endpoint RefreshEndpoint
	options  RefreshOptions
	log      zerolog.Logger
	group    singleflight.Group

	mu    sync.RWMutex
	token Token
}

// NewRefresher creates a Refresher over endpoint.
func NewRefresher(endpoint RefreshEndpoint, options RefreshOptions) *Refresher {
	if options.StaleRetryDelay <= 0 {
		options.StaleRetryDelay = DefaultStaleRetryDelay
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultRefreshTimeout
	}
	return &Refresher{
		endpoint: endpoint,
		options:  options,
		log:      options.Logger.With().Str("component", "refresher").Logger(),
		token:    options.Initial,
	}
}

// Token returns the current access token.
func (r *Refresher) Token() Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// AccessToken returns the current access token string.
func (r *Refresher) AccessToken() string {
	return r.Token().AccessToken
}

// Refresh obtains a new token. A caller that arrives while a refresh is in
// flight waits for that refresh instead of issuing another. Canceling ctx
// only abandons the wait; the shared request keeps running for the others.
func (r *Refresher) Refresh(ctx context.Context) (Token, error) {
	result := r.group.DoChan("refresh", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.options.Timeout)
		defer cancel()
		return r.refresh(runCtx)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (Token, error) {
	token, status, err := r.endpoint.Refresh(ctx)
	if status == StatusStale {
		r.log.Debug().Dur("delay", r.options.StaleRetryDelay).Msg("stale credential, retrying refresh once")
		timer := time.NewTimer(r.options.StaleRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Token{}, fmt.Errorf("%w: %v", ErrRefreshFailed, ctx.Err())
		case <-timer.C:
		}
		token, status, err = r.endpoint.Refresh(ctx)
	}

	if status != StatusOK || err != nil {
		if err == nil {
			err = errors.New(status.String())
		}
		r.log.Warn().Err(err).Str("status", status.String()).Msg("credential refresh failed")
		return Token{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
	r.log.Debug().Time("expires_at", token.ExpiresAt).Msg("credential refreshed")
	return token, nil
}
