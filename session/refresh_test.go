package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestConcurrentRefreshIssuesOneRequest(t *testing.T) {
	endpoint := &countingEndpoint{release: make(chan struct{})}
	refresher := NewRefresher(endpoint, RefreshOptions{})

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = refresher.Refresh(context.Background())
		}(i)
	}

	waitForCondition(t, time.Second, func() bool { return endpoint.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(endpoint.release)
	wg.Wait()

	if got := endpoint.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Fatalf("caller %d got %+v, want %+v", i, tokens[i], tokens[0])
		}
	}
	if refresher.AccessToken() != tokens[0].AccessToken {
		t.Fatalf("expected refresher to hold the new token")
	}
}

func TestNearSimultaneousRefreshFailuresShareOutcome(t *testing.T) {
	endpoint := &countingEndpoint{
		release: make(chan struct{}),
		script:  []RefreshStatus{StatusFailed},
		err:     errBoom,
	}
	refresher := NewRefresher(endpoint, RefreshOptions{})

	results := make(chan error, 2)
	go func() {
		_, err := refresher.Refresh(context.Background())
		results <- err
	}()
	waitForCondition(t, time.Second, func() bool { return endpoint.calls.Load() == 1 })
	go func() {
		_, err := refresher.Refresh(context.Background())
		results <- err
	}()
	time.Sleep(time.Millisecond)
	close(endpoint.release)

	for i := 0; i < 2; i++ {
		if err := <-results; !errors.Is(err, ErrRefreshFailed) {
			t.Fatalf("expected ErrRefreshFailed, got %v", err)
		}
	}
	if got := endpoint.calls.Load(); got != 1 {
		t.Fatalf("expected one refresh request, got %d", got)
	}
}

func TestStaleRefreshRetriesExactlyOnce(t *testing.T) {
	endpoint := &countingEndpoint{script: []RefreshStatus{StatusStale}}
	refresher := NewRefresher(endpoint, RefreshOptions{StaleRetryDelay: 10 * time.Millisecond})

	start := time.Now()
	token, err := refresher.Refresh(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if token.AccessToken != "token-2" {
		t.Fatalf("expected token from second attempt, got %q", token.AccessToken)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected retry after the stale delay, took %s", elapsed)
	}

	endpoint = &countingEndpoint{script: []RefreshStatus{StatusStale, StatusStale}}
	refresher = NewRefresher(endpoint, RefreshOptions{StaleRetryDelay: time.Millisecond})
	if _, err := refresher.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed after two stale answers, got %v", err)
	}
	if got := endpoint.calls.Load(); got != 2 {
		t.Fatalf("expected exactly two attempts, got %d", got)
	}
}

func TestFailedRefreshIsNotRetried(t *testing.T) {
	endpoint := &countingEndpoint{script: []RefreshStatus{StatusFailed}}
	refresher := NewRefresher(endpoint, RefreshOptions{Initial: Token{AccessToken: "old"}})

	if _, err := refresher.Refresh(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if got := endpoint.calls.Load(); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
	if refresher.AccessToken() != "old" {
		t.Fatalf("expected failed refresh to keep the old token, got %q", refresher.AccessToken())
	}
}

func TestCanceledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	endpoint := &countingEndpoint{release: make(chan struct{})}
	refresher := NewRefresher(endpoint, RefreshOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := refresher.Refresh(ctx)
		first <- err
	}()
	waitForCondition(t, time.Second, func() bool { return endpoint.calls.Load() == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := refresher.Refresh(context.Background())
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled caller to return context.Canceled, got %v", err)
	}
	close(endpoint.release)
	if err := <-second; err != nil {
		t.Fatalf("expected shared refresh to complete for the other caller, got %v", err)
	}
	if got := endpoint.calls.Load(); got != 1 {
		t.Fatalf("expected one refresh request, got %d", got)
	}
}
