// Package session keeps the authenticated channel usable across credential
// expiry, network loss and reconnects, and decides when the user is logged out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"securechat/models"
	"securechat/network"
)

// DefaultRestoreTimeout bounds one restoration pass.
const DefaultRestoreTimeout = 30 * time.Second

// Logout reasons.
const (
	ReasonUserLogout        = "user_logout"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonServerForced      = "server_forced"
	ReasonRefreshFailed     = "refresh_failed"
	ReasonUnauthorizedRetry = "unauthorized_after_refresh"
)

// Transport is the reconnecting channel the manager supervises.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Request(ctx context.Context, event string, payload any, reply any) error
	Emit(ctx context.Context, event string, payload any) error
	On(event string, handler func(json.RawMessage)) func()
	OnLifecycle(handler func(network.LifecycleEvent)) func()
	SetAutoReconnect(enabled bool)
	PauseReconnect()
	ResumeReconnect()
	Disconnect(reason string)
}

var _ Transport = (*network.Channel)(nil)

// Options configures a Manager.
type Options struct {
	Transport   Transport
	Refresher   *Refresher
	States      StateStore
	Restoration RestorationStore
	Rooms       RoomController
	// OnLogout runs once when the session ends, with the final state.
	OnLogout       func(state ConnectionState)
	RestoreTimeout time.Duration
	Logger         zerolog.Logger
}

// Manager maps channel lifecycle into ConnectionState, retries unauthorized
// requests once after a refresh, and restores membership after reconnects.
type Manager struct {
	transport   Transport
	refresher   *Refresher
	states      StateStore
	restoration RestorationStore
	rooms       RoomController
	onLogout    func(ConnectionState)
	restoreFor  time.Duration
	log         zerolog.Logger

	mu          sync.Mutex
	subscribers map[uint64]func(ConnectionState)
	nextSub     uint64

	targetMu sync.Mutex

	loggedOut      atomic.Bool
	pendingRestore atomic.Bool
	restoring      atomic.Bool
	// reconnectRefreshed is set once a rejected reconnect triggered a refresh
	// and cleared on the next successful connect.
	reconnectRefreshed atomic.Bool

	unsubscribe []func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager validates options and binds the transport's lifecycle events.
func NewManager(options Options) (*Manager, error) {
	if options.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if options.Refresher == nil {
		return nil, errors.New("session: refresher is required")
	}
	if options.States == nil {
		options.States = NewMemoryStateStore()
	}
	if options.Restoration == nil {
		options.Restoration = &MemoryRestorationStore{}
	}
	if options.RestoreTimeout <= 0 {
		options.RestoreTimeout = DefaultRestoreTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:   options.Transport,
		refresher:   options.Refresher,
		states:      options.States,
		restoration: options.Restoration,
		rooms:       options.Rooms,
		onLogout:    options.OnLogout,
		restoreFor:  options.RestoreTimeout,
		log:         options.Logger.With().Str("component", "session").Logger(),
		subscribers: make(map[uint64]func(ConnectionState)),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.unsubscribe = append(m.unsubscribe,
		options.Transport.OnLifecycle(m.handleLifecycle),
		options.Transport.On(ForcedLogoutEvent, func(json.RawMessage) {
			m.Logout(ReasonServerForced)
		}),
	)
	return m, nil
}

// Close detaches from the transport and waits for background work.
func (m *Manager) Close() {
	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}
	m.cancel()
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return m.states.Load()
}

// Subscribe registers a status listener and returns its unsubscribe func.
// Listeners run synchronously in transition order and must not block.
func (m *Manager) Subscribe(handler func(ConnectionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Start performs the first connect. An unauthorized dial is retried once
// after a refresh; other failures are left to the transport's reconnect loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.loggedOut.Load() {
		return ErrLoggedOut
	}
	m.transition(Event{Kind: EventConnectStart})

	err := m.transport.Connect(ctx)
	if !errors.Is(err, network.ErrUnauthorized) {
		return err
	}
	if _, err := m.refresher.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.forceLogout(ReasonRefreshFailed)
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if err := m.transport.Connect(ctx); errors.Is(err, network.ErrUnauthorized) {
		m.forceLogout(ReasonUnauthorizedRetry)
		return ErrAuthRequired
	} else if err != nil {
		return err
	}
	return nil
}

// Retry re-arms reconnecting after the transport gave up.
func (m *Manager) Retry() {
	if m.loggedOut.Load() {
		return
	}
	m.transition(Event{Kind: EventConnectStart})
	m.transport.ResumeReconnect()
}

// NetworkOffline suspends reconnect attempts until NetworkOnline.
func (m *Manager) NetworkOffline() {
	if m.loggedOut.Load() {
		return
	}
	m.transport.PauseReconnect()
	m.transition(Event{Kind: EventNetworkOffline})
}

// NetworkOnline resumes reconnecting after NetworkOffline.
func (m *Manager) NetworkOnline() {
	if m.loggedOut.Load() {
		return
	}
	if m.transport.Connected() {
		m.transition(Event{Kind: EventConnected})
		m.transport.ResumeReconnect()
		return
	}
	m.transition(Event{Kind: EventNetworkOnline})
	m.transport.ResumeReconnect()
}

// Call sends an authenticated request. A 401 triggers one refresh and one
// retry; a second 401, or a failed refresh, logs the session out.
func (m *Manager) Call(ctx context.Context, event string, payload any, reply any) error {
	if m.loggedOut.Load() {
		return ErrLoggedOut
	}

	err := m.transport.Request(ctx, event, payload, reply)
	if !errors.Is(err, network.ErrUnauthorized) {
		return err
	}

	m.log.Info().Str("event", event).Msg("request unauthorized, refreshing credential")
	token, err := m.refresher.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.forceLogout(ReasonRefreshFailed)
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	m.announceToken(ctx, token)

	err = m.transport.Request(ctx, event, payload, reply)
	if errors.Is(err, network.ErrUnauthorized) {
		m.forceLogout(ReasonUnauthorizedRetry)
		return fmt.Errorf("%w: %s", ErrAuthRequired, event)
	}
	return err
}

// Request is Call under the name used by channel consumers.
func (m *Manager) Request(ctx context.Context, event string, payload any, reply any) error {
	return m.Call(ctx, event, payload, reply)
}

// Logout ends the session. It wins over any reconnect in progress, disables
// auto-reconnect and clears the restoration target.
func (m *Manager) Logout(reason string) {
	m.logout(Event{Kind: EventLogout, Reason: reason})
}

func (m *Manager) forceLogout(reason string) {
	m.logout(Event{Kind: EventAuthRequired, Reason: reason})
}

func (m *Manager) logout(event Event) {
	if !m.loggedOut.CompareAndSwap(false, true) {
		return
	}
	m.transport.SetAutoReconnect(false)
	m.transition(event)
	m.transport.Disconnect("logout")

	m.targetMu.Lock()
	if err := m.restoration.ClearRestoration(); err != nil {
		m.log.Warn().Err(err).Msg("clear restoration target")
	}
	m.targetMu.Unlock()

	state := m.State()
	m.log.Info().Str("reason", event.Reason).Str("phase", string(state.Phase)).Msg("session logged out")
	if m.onLogout != nil {
		m.onLogout(state)
	}
}

// LoggedOut reports whether the session has ended.
func (m *Manager) LoggedOut() bool {
	return m.loggedOut.Load()
}

// RecordJoin remembers room as the room to rejoin. Voice in another room is forgotten.
func (m *Manager) RecordJoin(room string) error {
	return m.updateTarget(func(target *models.RestorationTarget) {
		target.LastRoom = room
		if target.VoiceRoom != room {
			target.VoiceWanted = false
			target.VoiceRoom = ""
		}
	})
}

// RecordVoice remembers voice as active in room. An empty room records that voice ended.
func (m *Manager) RecordVoice(room string) error {
	return m.updateTarget(func(target *models.RestorationTarget) {
		target.VoiceWanted = room != ""
		target.VoiceRoom = room
	})
}

// RecordLeave forgets the restoration target.
func (m *Manager) RecordLeave() error {
	m.targetMu.Lock()
	defer m.targetMu.Unlock()
	if m.loggedOut.Load() {
		return ErrLoggedOut
	}
	return m.restoration.ClearRestoration()
}

func (m *Manager) updateTarget(update func(*models.RestorationTarget)) error {
	m.targetMu.Lock()
	defer m.targetMu.Unlock()
	if m.loggedOut.Load() {
		return ErrLoggedOut
	}
	target, err := m.restoration.LoadRestoration()
	if err != nil {
		return err
	}
	update(&target)
	return m.restoration.SaveRestoration(target)
}

func (m *Manager) handleLifecycle(event network.LifecycleEvent) {
	if m.loggedOut.Load() {
		if event.Kind == network.LifecycleConnected {
			// A dial that was in flight when the session ended.
			m.transport.Disconnect("logout")
		}
		return
	}

	switch event.Kind {
	case network.LifecycleConnected:
		m.reconnectRefreshed.Store(false)
		m.transition(Event{Kind: EventConnected})
		if event.First {
			m.pendingRestore.Store(false)
			return
		}
		if m.pendingRestore.Swap(false) {
			m.startRestore()
		}

	case network.LifecycleDisconnected:
		m.pendingRestore.Store(true)
		m.transition(Event{Kind: EventDisconnected, Reason: event.Reason})

	case network.LifecycleReconnectAttempt:
		m.transition(Event{Kind: EventReconnectAttempt, Attempt: event.Attempt})

	case network.LifecycleReconnectFailed:
		if errors.Is(event.Err, network.ErrUnauthorized) {
			refreshed := m.reconnectRefreshed.Swap(true)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if refreshed {
					m.log.Warn().Int("attempt", event.Attempt).Msg("reconnect rejected again after refresh")
					m.forceLogout(ReasonUnauthorizedRetry)
					return
				}
				m.reauthenticate()
			}()
			return
		}
		reason := "reconnect_failed"
		if event.Err != nil {
			reason = event.Err.Error()
		}
		m.transition(Event{Kind: EventReconnectFailed, Attempt: event.Attempt, Reason: reason})
	}
}

// reauthenticate handles a reconnect refused for an expired credential.
func (m *Manager) reauthenticate() {
	token, err := m.refresher.Refresh(m.ctx)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.forceLogout(ReasonRefreshFailed)
		return
	}
	m.log.Debug().Time("expires_at", token.ExpiresAt).Msg("credential refreshed after rejected reconnect")
	if m.State().Phase != PhaseOffline {
		m.transport.ResumeReconnect()
	}
}

func (m *Manager) announceToken(ctx context.Context, token Token) {
	if err := m.transport.Emit(ctx, AuthTokenEvent, map[string]string{"token": token.AccessToken}); err != nil {
		m.log.Debug().Err(err).Msg("announce refreshed token")
	}
}

func (m *Manager) transition(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.states.Load()
	next, changed := apply(previous, event)
	if !changed {
		return
	}
	m.states.Store(next)
	m.log.Debug().
		Str("phase", string(next.Phase)).
		Str("from", string(previous.Phase)).
		Int("attempt", next.AttemptCount).
		Str("reason", next.LastReason).
		Msg("connection state")

	for _, handler := range m.subscribers {
		handler(next)
	}
}

func (m *Manager) startRestore() {
	if !m.restoring.CompareAndSwap(false, true) {
		m.log.Debug().Msg("restoration already running, ignoring reconnect")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.restoring.Store(false)
		m.restore()
	}()
}

// restore rejoins the last room, then drops local voice state and rejoins
// voice when it was active in that room.
func (m *Manager) restore() {
	if m.rooms == nil {
		return
	}
	m.targetMu.Lock()
	target, err := m.restoration.LoadRestoration()
	m.targetMu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Msg("load restoration target")
		return
	}
	if target.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.restoreFor)
	defer cancel()
	log := m.log.With().Str("room", target.LastRoom).Logger()

	if target.LastRoom != "" {
		if err := m.rooms.JoinRoom(ctx, target.LastRoom); err != nil {
			log.Warn().Err(err).Msg("rejoin room after reconnect")
			return
		}
	}
	if !target.VoiceWanted {
		log.Info().Msg("membership restored")
		return
	}

	m.rooms.TeardownVoice()
	if target.VoiceRoom != target.LastRoom || m.loggedOut.Load() {
		return
	}
	if err := m.rooms.JoinVoice(ctx, target.VoiceRoom); err != nil {
		log.Warn().Err(err).Msg("rejoin voice after reconnect")
		return
	}
	log.Info().Bool("voice", true).Msg("membership restored")
}
