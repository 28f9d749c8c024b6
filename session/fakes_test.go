package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"securechat/network"
)

type fakeTransport struct {
	mu            sync.Mutex
	connected     bool
	lifecycle     map[int]func(network.LifecycleEvent)
	handlers      map[string]func(json.RawMessage)
	nextID        int
	requests      []string
	emitted       []string
	disconnects   []string
	autoReconnect bool
	paused        bool
	resumed       int

	// respond decides each request; nil means success.
	respond func(event string, attempt int) error
	// connectErrs is consumed one per Connect call.
	connectErrs []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		lifecycle:     make(map[int]func(network.LifecycleEvent)),
		handlers:      make(map[string]func(json.RawMessage)),
		autoReconnect: true,
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	first := !f.connected && err == nil
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	if first {
		f.fire(network.LifecycleEvent{Kind: network.LifecycleConnected, First: true})
	}
	return err
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Request(_ context.Context, event string, _ any, _ any) error {
	f.mu.Lock()
	attempt := 0
	for _, seen := range f.requests {
		if seen == event {
			attempt++
		}
	}
	f.requests = append(f.requests, event)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(event, attempt)
}

func (f *fakeTransport) Emit(_ context.Context, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) On(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, event)
	}
}

func (f *fakeTransport) OnLifecycle(handler func(network.LifecycleEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.lifecycle[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.lifecycle, id)
	}
}

func (f *fakeTransport) SetAutoReconnect(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoReconnect = enabled
}

func (f *fakeTransport) PauseReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeTransport) ResumeReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumed++
}

func (f *fakeTransport) Disconnect(reason string) {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.disconnects = append(f.disconnects, reason)
	f.mu.Unlock()
	if was {
		f.fire(network.LifecycleEvent{Kind: network.LifecycleDisconnected, Reason: reason})
	}
}

func (f *fakeTransport) fire(event network.LifecycleEvent) {
	f.mu.Lock()
	switch event.Kind {
	case network.LifecycleConnected:
		f.connected = true
	case network.LifecycleDisconnected:
		f.connected = false
	}
	handlers := make([]func(network.LifecycleEvent), 0, len(f.lifecycle))
	for _, handler := range f.lifecycle {
		handlers = append(handlers, handler)
	}
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (f *fakeTransport) push(event string, payload string) {
	f.mu.Lock()
	handler := f.handlers[event]
	f.mu.Unlock()
	if handler != nil {
		handler(json.RawMessage(payload))
	}
}

func (f *fakeTransport) snapshot() (requests, emitted, disconnects []string, autoReconnect, paused bool, resumed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...),
		append([]string(nil), f.emitted...),
		append([]string(nil), f.disconnects...),
		f.autoReconnect, f.paused, f.resumed
}

// countingEndpoint is a RefreshEndpoint whose answers are scripted per call.
type countingEndpoint struct {
	calls   atomic.Int32
	release chan struct{}
	script  []RefreshStatus
	err     error
}

func (e *countingEndpoint) Refresh(ctx context.Context) (Token, RefreshStatus, error) {
	n := int(e.calls.Add(1))
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return Token{}, StatusFailed, ctx.Err()
		}
	}
	status := StatusOK
	if n-1 < len(e.script) {
		status = e.script[n-1]
	}
	if status != StatusOK {
		return Token{}, status, e.err
	}
	return Token{AccessToken: fmt.Sprintf("token-%d", n)}, StatusOK, nil
}

type fakeRooms struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
}

func (r *fakeRooms) JoinRoom(ctx context.Context, room string) error {
	r.record("join:" + room)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *fakeRooms) JoinVoice(_ context.Context, room string) error {
	r.record("voice:" + room)
	return nil
}

func (r *fakeRooms) TeardownVoice() {
	r.record("teardown")
}

func (r *fakeRooms) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRooms) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type managerFixture struct {
	manager   *Manager
	transport *fakeTransport
	endpoint  *countingEndpoint
	rooms     *fakeRooms
	logouts   chan ConnectionState
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		transport: newFakeTransport(),
		endpoint:  &countingEndpoint{},
		rooms:     &fakeRooms{},
		logouts:   make(chan ConnectionState, 4),
	}
	manager, err := NewManager(Options{
		Transport:   f.transport,
		Refresher:   NewRefresher(f.endpoint, RefreshOptions{StaleRetryDelay: 5 * time.Millisecond}),
		Restoration: &MemoryRestorationStore{},
		Rooms:       f.rooms,
		OnLogout:    func(state ConnectionState) { f.logouts <- state },
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	f.manager = manager
	return f
}

func unauthorized(event string) error {
	return &network.AckError{Event: event, Code: 401, Message: "token expired"}
}

var errBoom = errors.New("boom")

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
