package session

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// CaptureRefs shares one media capture handle between every call or room
// that needs it. The handle is opened by the first consumer and closed when
// the last one releases it.
type CaptureRefs struct {
	open func() (io.Closer, error)
	log  zerolog.Logger

	mu     sync.Mutex
	count  int
	handle io.Closer
}

// NewCaptureRefs creates a counter around open.
func NewCaptureRefs(open func() (io.Closer, error), logger zerolog.Logger) *CaptureRefs {
	return &CaptureRefs{open: open, log: logger.With().Str("component", "capture").Logger()}
}

// Acquire takes one reference. The returned release func is idempotent.
func (c *CaptureRefs) Acquire() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		handle, err := c.open()
		if err != nil {
			return nil, err
		}
		c.handle = handle
		c.log.Debug().Msg("capture opened")
	}
	c.count++
	return sync.OnceFunc(c.release), nil
}

// Count returns the number of live references.
func (c *CaptureRefs) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *CaptureRefs) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count--
	if c.count > 0 {
		return
	}
	c.count = 0
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close capture")
		}
		c.handle = nil
		c.log.Debug().Msg("capture released")
	}
}
