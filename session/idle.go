package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultActivityPingInterval limits activity pings to one per minute.
	DefaultActivityPingInterval = time.Minute
	// DefaultInputThrottle limits how often input signals update the activity clock.
	DefaultInputThrottle       = time.Second
	defaultActivityPingTimeout = 10 * time.Second
)

// Signal is a kind of user input.
type Signal string

const (
	SignalPointer    Signal = "pointer"
	SignalKey        Signal = "key"
	SignalScroll     Signal = "scroll"
	SignalVisibility Signal = "visibility"
)

// IdleOptions configures an IdleMonitor.
type IdleOptions struct {
	// Timeout is the idle threshold. Required.
	Timeout       time.Duration
	PingInterval  time.Duration
	InputThrottle time.Duration
	// CheckInterval is how often Run compares the clock with Timeout.
	CheckInterval time.Duration
	// Ping reports activity to the server. Optional.
	Ping func(ctx context.Context) error
	// OnIdle runs once when Timeout passes without input.
	OnIdle func()
	Now    func() time.Time
	Logger zerolog.Logger
}

// IdleMonitor logs the user out locally after a period without input.
type IdleMonitor struct {
	options IdleOptions
	log     zerolog.Logger

	input *rate.Limiter
	ping  *rate.Limiter

	lastActivity atomic.Int64
	fired        atomic.Bool
	pings        sync.WaitGroup
}

// NewIdleMonitor creates a monitor whose clock starts now.
func NewIdleMonitor(options IdleOptions) (*IdleMonitor, error) {
	if options.Timeout <= 0 {
		return nil, errors.New("session: idle timeout must be > 0")
	}
	if options.PingInterval <= 0 {
		options.PingInterval = DefaultActivityPingInterval
	}
	if options.InputThrottle <= 0 {
		options.InputThrottle = DefaultInputThrottle
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = max(min(options.Timeout/4, 15*time.Second), time.Millisecond)
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	m := &IdleMonitor{
		options: options,
		log:     options.Logger.With().Str("component", "idle").Logger(),
		input:   rate.NewLimiter(rate.Every(options.InputThrottle), 1),
		ping:    rate.NewLimiter(rate.Every(options.PingInterval), 1),
	}
	m.lastActivity.Store(options.Now().UnixNano())
	return m, nil
}

// Touch records user input. Signals arriving faster than the input throttle
// are dropped; it reports whether this one counted.
func (m *IdleMonitor) Touch(signal Signal) bool {
	now := m.options.Now()
	if !m.input.AllowN(now, 1) {
		return false
	}
	m.lastActivity.Store(now.UnixNano())

	if m.options.Ping != nil && m.ping.AllowN(now, 1) {
		m.pings.Add(1)
		go func() {
			defer m.pings.Done()
			ctx, cancel := context.WithTimeout(context.Background(), defaultActivityPingTimeout)
			defer cancel()
			if err := m.options.Ping(ctx); err != nil {
				m.log.Debug().Err(err).Str("signal", string(signal)).Msg("activity ping failed")
			}
		}()
	}
	return true
}

// Idle reports whether the threshold has passed.
func (m *IdleMonitor) Idle() bool {
	last := time.Unix(0, m.lastActivity.Load())
	return m.options.Now().Sub(last) >= m.options.Timeout
}

// Run checks for idleness until ctx ends or OnIdle fires.
func (m *IdleMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.options.CheckInterval)
	defer ticker.Stop()
	defer m.pings.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !m.Idle() {
			continue
		}
		if m.fired.CompareAndSwap(false, true) {
			m.log.Info().Dur("timeout", m.options.Timeout).Msg("idle timeout reached")
			if m.options.OnIdle != nil {
				m.options.OnIdle()
			}
		}
		return nil
	}
}
