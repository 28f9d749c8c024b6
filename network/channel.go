package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultAckTimeout           = 10 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultReconnectInitial     = 500 * time.Millisecond
	defaultReconnectMax         = 30 * time.Second
	eventQueueSize              = 256
)

const (
	wireTypeEvent   = "event"
	wireTypeRequest = "request"
	wireTypeAck     = "ack"
)

var (
	// ErrNotConnected indicates the channel has no live connection.
	ErrNotConnected = errors.New("network: channel not connected")
	// ErrAckTimeout indicates a request was not acknowledged in time.
	ErrAckTimeout = errors.New("network: request ack timeout")
	// ErrUnauthorized indicates the server rejected the access token.
	ErrUnauthorized = errors.New("network: unauthorized")
	// ErrChannelClosed indicates the channel was closed locally.
	ErrChannelClosed = errors.New("network: channel closed")

	errReconnectHalted = errors.New("network: reconnect halted")
)

// AckError is a negative acknowledgement returned by the server.
type AckError struct {
	Event   string
	Code    int
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("network: %s rejected (%d): %s", e.Event, e.Code, e.Message)
}

// Is matches ErrUnauthorized for 401 acknowledgements.
func (e *AckError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// LifecycleKind names a channel lifecycle transition.
type LifecycleKind string

const (
	LifecycleConnected        LifecycleKind = "connected"
	LifecycleDisconnected     LifecycleKind = "disconnected"
	LifecycleReconnectAttempt LifecycleKind = "reconnect_attempt"
	LifecycleReconnectFailed  LifecycleKind = "reconnect_failed"
)

// LifecycleEvent reports a channel lifecycle transition.
type LifecycleEvent struct {
	Kind LifecycleKind
	// First is set on the first successful connect of this channel.
	First   bool
	Attempt int
	Reason  string
	Err     error
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	URL string
	// Token returns the current access token; it is read on every dial.
	Token  func() string
	Header http.Header
	Dialer *websocket.Dialer

	AckTimeout   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	MaxReconnectAttempts     int
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration

	Logger zerolog.Logger
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = defaultReconnectInitial
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = defaultReconnectMax
	}
	return o
}

type wireMessage struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Code    int             `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ackResult struct {
	message wireMessage
	err     error
}

type inboundEvent struct {
	name    string
	payload json.RawMessage
}

// Channel is the authenticated, bidirectional, event-named connection to the
// server. Requests resolve through ack futures; lost connections are
// re-established with exponential backoff unless reconnect is disabled or paused.
type Channel struct {
	options ChannelOptions
	log     zerolog.Logger

	connMu        sync.RWMutex
	conn          *websocket.Conn
	everConnected bool

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	handlers      map[string]map[uint64]func(json.RawMessage)
	nextHandlerID uint64

	lifecycleMu     sync.RWMutex
	lifecycle       map[uint64]func(LifecycleEvent)
	nextLifecycleID uint64

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	autoReconnect atomic.Bool
	paused        atomic.Bool

	events chan inboundEvent
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewChannel creates a channel. Call Connect to dial.
func NewChannel(options ChannelOptions) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		options:   options.withDefaults(),
		log:       options.Logger,
		handlers:  make(map[string]map[uint64]func(json.RawMessage)),
		lifecycle: make(map[uint64]func(LifecycleEvent)),
		pending:   make(map[string]chan ackResult),
		events:    make(chan inboundEvent, eventQueueSize),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	c.autoReconnect.Store(true)

	c.wg.Add(2)
	go c.superviseLoop()
	go c.dispatchLoop()
	return c
}

// Connect dials the server. When the first dial fails for a reason other than
// authorization, the reconnect loop takes over.
func (c *Channel) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if c.Connected() {
		return nil
	}

	err := c.dial(ctx)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Reason: "connect_failed", Err: err})
		c.kick()
	}
	return err
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// On subscribes to a named server event. The returned func unsubscribes.
// Handlers run sequentially on the dispatch goroutine and must not block for long.
func (c *Channel) On(event string, handler func(json.RawMessage)) func() {
	c.handlersMu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[event][id] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers[event], id)
		c.handlersMu.Unlock()
	}
}

// OnLifecycle subscribes to lifecycle events. The returned func unsubscribes.
func (c *Channel) OnLifecycle(handler func(LifecycleEvent)) func() {
	c.lifecycleMu.Lock()
	c.nextLifecycleID++
	id := c.nextLifecycleID
	c.lifecycle[id] = handler
	c.lifecycleMu.Unlock()

	return func() {
		c.lifecycleMu.Lock()
		delete(c.lifecycle, id)
		c.lifecycleMu.Unlock()
	}
}

// Emit sends a fire-and-forget event.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(wireMessage{Type: wireTypeEvent, Event: event, Payload: raw})
}

// Request sends an event and waits for its acknowledgement. A positive ack
// payload is decoded into reply when reply is non-nil.
func (c *Channel) Request(ctx context.Context, event string, payload any, reply any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	results := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = results
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(wireMessage{Type: wireTypeRequest, Event: event, ID: id, Payload: raw}); err != nil {
		return err
	}

	timer := time.NewTimer(c.options.AckTimeout)
	defer timer.Stop()

	select {
	case result := <-results:
		if result.err != nil {
			return result.err
		}
		if !result.message.OK {
			return &AckError{Event: event, Code: result.message.Code, Message: result.message.Error}
		}
		if reply != nil && len(result.message.Payload) > 0 {
			if err := json.Unmarshal(result.message.Payload, reply); err != nil {
				return fmt.Errorf("decode %s ack: %w", event, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrAckTimeout, event)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrChannelClosed
	}
}

// SetAutoReconnect enables or disables reconnecting after a lost connection.
func (c *Channel) SetAutoReconnect(enabled bool) {
	c.autoReconnect.Store(enabled)
	if enabled {
		c.kick()
	}
}

// PauseReconnect suspends reconnect attempts, e.g. while the OS reports no network.
func (c *Channel) PauseReconnect() {
	c.paused.Store(true)
}

// ResumeReconnect lifts a pause and immediately attempts to reconnect if needed.
func (c *Channel) ResumeReconnect() {
	c.paused.Store(false)
	c.kick()
}

// Disconnect drops the live connection without closing the channel.
func (c *Channel) Disconnect(reason string) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	c.writeMu.Unlock()
	_ = conn.Close()

	c.failPending(ErrNotConnected)
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Reason: reason})
	c.kick()
}

// Close shuts the channel down permanently.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.autoReconnect.Store(false)
		close(c.closed)
		c.cancel()
		c.Disconnect("client_close")
		c.wg.Wait()
	})
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	for key, values := range c.options.Header {
		header[key] = append([]string(nil), values...)
	}
	if c.options.Token != nil {
		if token := c.options.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer cancel()

	conn, resp, err := c.options.Dialer.DialContext(dialCtx, c.options.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial channel: %w", err)
	}

	readTimeout := 2 * c.options.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		_ = conn.Close()
		return ErrChannelClosed
	}
	c.conn = conn
	first := !c.everConnected
	c.everConnected = true
	// Registered under connMu so Close cannot reach wg.Wait before the loops count.
	c.wg.Add(2)
	c.connMu.Unlock()

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	c.log.Info().Bool("first", first).Msg("channel connected")
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleConnected, First: first})
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	readTimeout := 2 * c.options.PingInterval
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var message wireMessage
		if err := json.Unmarshal(data, &message); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable channel message")
			continue
		}

		switch message.Type {
		case wireTypeAck:
			c.resolvePending(message)
		case wireTypeEvent:
			select {
			case c.events <- inboundEvent{name: message.Event, payload: message.Payload}:
			case <-c.closed:
				return
			}
		default:
			c.log.Debug().Str("type", message.Type).Msg("ignoring channel message")
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Channel) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case event := <-c.events:
			c.handlersMu.RLock()
			handlers := make([]func(json.RawMessage), 0, len(c.handlers[event.name]))
			for _, handler := range c.handlers[event.name] {
				handlers = append(handlers, handler)
			}
			c.handlersMu.RUnlock()

			for _, handler := range handlers {
				handler(event.payload)
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) superviseLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		if c.shouldReconnect() {
			c.reconnect()
		}
	}
}

func (c *Channel) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.options.ReconnectInitialInterval
	policy.MaxInterval = c.options.ReconnectMaxInterval
	policy.MaxElapsedTime = 0

	retries := uint64(c.options.MaxReconnectAttempts - 1)
	schedule := backoff.WithContext(backoff.WithMaxRetries(policy, retries), c.ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		if !c.shouldReconnect() {
			return backoff.Permanent(errReconnectHalted)
		}
		attempt++
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnectAttempt, Attempt: attempt})

		err := c.dial(c.ctx)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, schedule, func(err error, next time.Duration) {
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("channel reconnect failed")
	})

	switch {
	case err == nil, errors.Is(err, errReconnectHalted), c.isClosed():
		return
	default:
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("channel reconnect gave up")
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleReconnectFailed, Attempt: attempt, Err: err})
	}
}

func (c *Channel) shouldReconnect() bool {
	return !c.isClosed() && c.autoReconnect.Load() && !c.paused.Load() && !c.Connected()
}

func (c *Channel) dropConnection(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
	if !current {
		return
	}

	reason := "transport_error"
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		reason = fmt.Sprintf("closed_%d", closeErr.Code)
	}
	c.log.Info().Err(cause).Str("reason", reason).Msg("channel disconnected")

	c.failPending(ErrNotConnected)
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Reason: reason, Err: cause})
	c.kick()
}

func (c *Channel) write(message wireMessage) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := conn.WriteJSON(message); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Channel) resolvePending(message wireMessage) {
	c.pendingMu.Lock()
	results := c.pending[message.ID]
	delete(c.pending, message.ID)
	c.pendingMu.Unlock()

	if results == nil {
		return
	}
	results <- ackResult{message: message}
}

func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, results := range c.pending {
		results <- ackResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Channel) emitLifecycle(event LifecycleEvent) {
	c.lifecycleMu.RLock()
	handlers := make([]func(LifecycleEvent), 0, len(c.lifecycle))
	for _, handler := range c.lifecycle {
		handlers = append(handlers, handler)
	}
	c.lifecycleMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (c *Channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal channel payload: %w", err)
	}
	return raw, nil
}
