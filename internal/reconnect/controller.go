package reconnect

import (
	"log"
	"sync"
	"time"

	"examsync/internal/model"
)

type State string

const (
	StateOpen         State = "OPEN"
	StateError        State = "ERROR"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
	StateClosed       State = "CLOSED"
)

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
	// DefaultMaxAttempts is the retry ceiling when the caller passes 0.
	DefaultMaxAttempts = 3
)

// Delay returns the backoff before retry attempt n (1-indexed):
// min(1000 * 2^n, 30000) milliseconds.
func Delay(attempt int) time.Duration {
	d := baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Hooks are the controller's connections back into the subscription that
// owns it. Alive is checked before applying any delayed result so a
// torn-down subscription never gets resurrected by an in-flight retry.
type Hooks struct {
	Reopen   func() error
	OnOpen   func()
	OnFailed func()
	Alive    func() bool
}

// Controller is the per-subscription reconnection state machine:
// OPEN -> ERROR -> RECONNECTING -> OPEN, or RECONNECTING -> FAILED once the
// attempt ceiling is exhausted. CLOSED is terminal and never retried.
type Controller struct {
	key         string
	maxAttempts int
	hooks       Hooks

	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer

	// schedule is swapped out by tests to observe delays without waiting.
	schedule func(d time.Duration, f func()) *time.Timer
}

// NewController creates a controller for one subscription key.
func NewController(key string, maxAttempts int, hooks Hooks) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		key:         key,
		maxAttempts: maxAttempts,
		hooks:       hooks,
		state:       StateOpen,
		schedule:    time.AfterFunc,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleStatus consumes one transport status signal.
func (c *Controller) HandleStatus(status model.ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status {
	case model.StatusSubscribed:
		c.state = StateOpen
		c.attempts = 0
		if c.hooks.OnOpen != nil {
			go c.hooks.OnOpen()
		}
	case model.StatusChannelError, model.StatusTimedOut:
		if c.state == StateFailed || c.state == StateClosed || c.state == StateReconnecting {
			return
		}
		c.state = StateError
		log.Printf("reconnect: %s channel %s, retrying", c.key, status)
		c.retryLocked()
	case model.StatusClosed:
		// Intentional teardown, never auto-reconnected.
		c.state = StateClosed
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
}

// Stop cancels any pending retry. Safe to call repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) retryLocked() {
	c.state = StateReconnecting
	c.attempts++
	attempt := c.attempts
	delay := Delay(attempt)

	c.timer = c.schedule(delay, func() {
		if c.hooks.Alive != nil && !c.hooks.Alive() {
			// Subscription was removed while we waited; drop the result.
			return
		}

		err := c.hooks.Reopen()

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		if err == nil {
			c.state = StateOpen
			c.attempts = 0
			c.mu.Unlock()
			if c.hooks.OnOpen != nil {
				c.hooks.OnOpen()
			}
			return
		}

		log.Printf("reconnect: %s attempt %d/%d failed: %v", c.key, attempt, c.maxAttempts, err)
		if attempt >= c.maxAttempts {
			c.state = StateFailed
			c.mu.Unlock()
			if c.hooks.OnFailed != nil {
				c.hooks.OnFailed()
			}
			return
		}
		c.retryLocked()
		c.mu.Unlock()
	})
}
