package reactor

import (
	"sync"
	"time"
)

// Clock is the monotonic clock collaborator the reactor drives itself from.
// nowMillis must be monotone non-decreasing once init has run.
type Clock interface {
	// Init resets the clock's origin.
	Init()
	// NowMillis returns milliseconds elapsed since Init.
	NowMillis() int64
}

// MonotonicClock is the ordinary case: Go's runtime monotonic reading via
// time.Since, grounded on the teacher's Reactor.Monotonic (time.Since(startTime)),
// generalised from seconds to milliseconds.
type MonotonicClock struct {
	start time.Time
}

// Init resets the clock's origin to now.
func (c *MonotonicClock) Init() {
	c.start = time.Now()
}

// NowMillis returns milliseconds since Init.
func (c *MonotonicClock) NowMillis() int64 {
	return time.Since(c.start).Milliseconds()
}

// WallClock is the fallback clock for platforms or embeddings where a
// monotonic source isn't trustworthy: it derives elapsed time from
// successive wall-clock reads and absorbs backward jumps (the wall clock
// stepping back, e.g. on NTP correction) and large forward jumps (the
// process being suspended and resumed) into a running offset, exactly as
// the original implementation's fixed-up monotonic clock does. A background
// poller can be started to keep the offset current even when nothing else
// is reading the clock.
type WallClock struct {
	// PollInterval bounds how large a single forward jump may be before it
	// is treated as a jump rather than ordinary elapsed time; a forward
	// delta greater than 2*PollInterval is clamped. Defaults to 1 second.
	PollInterval time.Duration

	mu           sync.Mutex
	offset       int64 // milliseconds subtracted from raw wall-clock readings
	lastRead     int64 // milliseconds, last corrected reading
	raw          func() int64
	stopPollCh   chan struct{}
	pollerActive bool
}

func defaultRawMillis() int64 {
	return time.Now().UnixMilli()
}

// Init resets the clock's origin and correction state.
func (c *WallClock) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		c.raw = defaultRawMillis
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	c.offset = c.raw()
	c.lastRead = 0
}

// NowMillis returns the corrected elapsed milliseconds since Init, absorbing
// any backward or outsized forward jump observed since the previous read.
func (c *WallClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// read must be called with c.mu held.
func (c *WallClock) read() int64 {
	current := c.raw() - c.offset
	delta := current - c.lastRead
	maxInterval := c.PollInterval.Milliseconds()
	switch {
	case delta < 0:
		// Wall clock stepped backward: hold time still and bank the delta.
		c.offset += delta
		current = c.lastRead
	case delta > 2*maxInterval:
		// Wall clock jumped far forward: advance by at most one poll interval.
		c.offset += delta - maxInterval
		current = c.lastRead + maxInterval
	}
	c.lastRead = current
	return current
}

// StartPoller launches a background goroutine that reads the clock every
// PollInterval, so that jump correction happens even if nothing else is
// calling NowMillis. StopPoller stops it. Safe to call StartPoller at most
// once between Init calls.
func (c *WallClock) StartPoller() {
	c.mu.Lock()
	if c.pollerActive {
		c.mu.Unlock()
		return
	}
	c.pollerActive = true
	c.stopPollCh = make(chan struct{})
	interval := c.PollInterval
	stop := c.stopPollCh
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				c.read()
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// StopPoller stops a background poller started by StartPoller, if any.
func (c *WallClock) StopPoller() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollerActive {
		close(c.stopPollCh)
		c.pollerActive = false
	}
}
