// Package clock runs the authoritative per-turn countdown.
// Every handle owns its goroutine and ticker, so a slow battle never delays another one.
package clock

import (
	"sync"
	"time"
)

type Clock struct {
	tick time.Duration
}

type Option func(*Clock)

// WithTick sets the length of one countdown step (one second in production).
func WithTick(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.tick = d
		}
	}
}

func New(opts ...Option) *Clock {
	c := &Clock{tick: time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Handle struct {
	mu        sync.Mutex
	remaining int
	expired   bool
	cancelled bool
	gen       uint64

	onTick   func(remaining int)
	onExpire func()

	reset    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// Start counts seconds down to zero, calling onTick after every step and onExpire once at zero.
// Either callback may be nil. Callbacks run on the handle's goroutine and must not block for long.
func (c *Clock) Start(seconds int, onTick func(remaining int), onExpire func()) *Handle {
	if onTick == nil {
		onTick = func(int) {}
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	h := &Handle{
		remaining: seconds,
		onTick:    onTick,
		onExpire:  onExpire,
		reset:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if seconds <= 0 {
		h.remaining = 0
	}
	go h.run(c.tick)
	return h
}

// Reset starts a fresh countdown on h. An expiry still pending from the old countdown is dropped.
func (c *Clock) Reset(h *Handle, seconds int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.gen++
	h.remaining = seconds
	h.expired = false
	h.mu.Unlock()

	select {
	case h.reset <- struct{}{}:
	default:
	}
}

// Cancel stops h for good; no callbacks start after it returns.
func (c *Clock) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.cancelled = true
	h.gen++
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) Remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remaining
}

// Expired is true once the current countdown hit zero and no Reset followed.
func (h *Handle) Expired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}

func (h *Handle) generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

func (h *Handle) run(tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-h.stop:
			return

		case <-h.reset:
			t.Reset(tick)

		case <-t.C:
			h.mu.Lock()
			if h.cancelled || h.expired {
				h.mu.Unlock()
				continue
			}
			if h.remaining > 0 {
				h.remaining--
			}
			rem, gen := h.remaining, h.gen
			fire := rem == 0
			if fire {
				h.expired = true
			}
			h.mu.Unlock()

			h.onTick(rem)
			if fire && h.current(gen) {
				h.onExpire()
			}
		}
	}
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled && h.gen == gen
}
