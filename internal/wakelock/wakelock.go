package wakelock

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Inhibitor is the platform screensaver-inhibition surface.
type Inhibitor interface {
	Inhibit(reason string) (uint32, error)
	UnInhibit(cookie uint32) error
	Close() error
}

// Coordinator tracks whether the screen should stay awake and drives an
// Inhibitor to match. Inhibitor failures are logged and swallowed; losing the
// wake lock must never take down a voice session.
type Coordinator struct {
	reason    string
	inhibitor Inhibitor

	mu      sync.Mutex
	desired bool
	held    bool
	cookie  uint32
	closed  bool
}

func NewCoordinator(inhibitor Inhibitor, reason string) *Coordinator {
	if reason == "" {
		reason = "voice session active"
	}
	return &Coordinator{inhibitor: inhibitor, reason: reason}
}

// SetDesired records whether a session wants the screen awake and acquires or
// releases the inhibit accordingly.
func (c *Coordinator) SetDesired(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.desired = on
	c.applyLocked()
}

// HandleVisibility mirrors the window's visibility: the inhibit is dropped
// while the window is hidden and re-acquired when it becomes visible with a
// session still wanting it.
func (c *Coordinator) HandleVisibility(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !visible {
		c.releaseLocked()
		return
	}
	c.applyLocked()
}

// Held reports whether an inhibit is currently active.
func (c *Coordinator) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Close releases any held inhibit and shuts the inhibitor down.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releaseLocked()
	if c.inhibitor != nil {
		if err := c.inhibitor.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close wake lock inhibitor")
		}
	}
}

func (c *Coordinator) applyLocked() {
	switch {
	case c.desired && !c.held:
		cookie, err := c.inhibitor.Inhibit(c.reason)
		if err != nil {
			log.Warn().Err(err).Msg("failed to acquire screen wake lock")
			return
		}
		c.cookie = cookie
		c.held = true
		log.Debug().Uint32("cookie", cookie).Msg("screen wake lock acquired")
	case !c.desired && c.held:
		c.releaseLocked()
	}
}

func (c *Coordinator) releaseLocked() {
	if !c.held {
		return
	}
	if err := c.inhibitor.UnInhibit(c.cookie); err != nil {
		log.Warn().Err(err).Msg("failed to release screen wake lock")
	}
	c.held = false
	c.cookie = 0
}
