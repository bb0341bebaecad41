// Package clock synthesizes epoch time from a monotonic seconds counter and a
// base that the server sets. There is no persistent real-time source: until the
// server sends a time the clock runs from InitTime.
package clock

import (
	"math"
	"time"
)

// InitTime is the power-on default epoch (2017-01-01 00:00:00 UTC).
const InitTime uint32 = 1483228800

// Counter is a monotonic seconds counter that wraps to zero after Max.
type Counter interface {
	Seconds() uint32
	Max() uint32
}

// SystemCounter counts seconds since it was created.
type SystemCounter struct {
	start time.Time
}

func NewSystemCounter() *SystemCounter {
	return &SystemCounter{start: time.Now()}
}

func (c *SystemCounter) Seconds() uint32 {
	return uint32(uint64(time.Since(c.start)/time.Second) % (uint64(math.MaxUint32) + 1))
}

func (c *SystemCounter) Max() uint32 {
	return math.MaxUint32
}

// Clock is owned by the gateway loop and is not safe for concurrent mutation.
type Clock struct {
	counter   Counter
	base      uint32
	baseLocal uint32
	booted    uint32
	hooks     []func(epoch uint32)
}

func New(counter Counter) *Clock {
	return &Clock{counter: counter, baseLocal: counter.Seconds()}
}

// OnSet registers a hook run after every Set.
func (c *Clock) OnSet(fn func(epoch uint32)) {
	c.hooks = append(c.hooks, fn)
}

// Now returns the current epoch seconds estimate. At most one counter wrap
// between two calls to Set is tolerated.
func (c *Clock) Now() uint32 {
	current := c.counter.Seconds()
	var elapsed uint32
	if current < c.baseLocal {
		elapsed = (c.counter.Max() - c.baseLocal) + current
	} else {
		elapsed = current - c.baseLocal
	}
	return c.base + elapsed
}

// Set rebases the clock to epoch. While the boot time is still unset or at
// the power-on default it is replaced by epoch; after that it is shifted by
// the same delta applied to Now.
func (c *Clock) Set(epoch uint32) {
	before := c.Now()
	c.base = epoch
	c.baseLocal = c.counter.Seconds()

	if c.booted <= InitTime {
		c.booted = epoch
	} else {
		c.booted = uint32(int64(c.booted) + int64(epoch) - int64(before))
	}

	for _, fn := range c.hooks {
		fn(epoch)
	}
}

// Booted is the epoch at which the gateway booted, as far as the clock knows.
func (c *Clock) Booted() uint32 {
	return c.booted
}

func (c *Clock) Uptime() uint32 {
	now := c.Now()
	if now < c.booted {
		return 0
	}
	return now - c.booted
}

// Format renders epoch as "2006-01-02 15:04:05" in UTC.
func Format(epoch uint32) string {
	return time.Unix(int64(epoch), 0).UTC().Format("2006-01-02 15:04:05")
}
