package sim

import "sync"

// Clock is a pumped stand-in for the card's compare-match timer. The
// transport starts and stops it and adjusts the match value; the terminal
// pump delivers one compare match per bit cell with Tick. Match values are
// recorded so tests can assert the sampling offsets the transport chose.
type Clock struct {
	mu sync.Mutex

	running      bool
	match        uint16
	matchHistory []uint16
	matchISR     func()
}

// NewClock returns a stopped clock.
func NewClock() *Clock {
	return &Clock{}
}

// SetMatchISR routes the compare-match interrupt vector.
func (c *Clock) SetMatchISR(isr func()) {
	c.mu.Lock()
	c.matchISR = isr
	c.mu.Unlock()
}

// Start resets the counter and starts the clock.
func (c *Clock) Start() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
}

// Stop halts the clock.
func (c *Clock) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// SetMatch records the compare value.
func (c *Clock) SetMatch(ticks uint16) {
	c.mu.Lock()
	c.match = ticks
	c.matchHistory = append(c.matchHistory, ticks)
	c.mu.Unlock()
}

// Running reports whether the transport has the timer started.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Match returns the current compare value.
func (c *Clock) Match() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.match
}

// MatchHistory returns every compare value set since the clock was created.
func (c *Clock) MatchHistory() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint16, len(c.matchHistory))
	copy(out, c.matchHistory)
	return out
}

// Tick delivers one compare match if the clock is running and reports
// whether the interrupt fired. The ISR runs outside the lock: the transport
// stops the clock and changes the match value from inside it.
func (c *Clock) Tick() bool {
	c.mu.Lock()
	isr := c.matchISR
	running := c.running
	c.mu.Unlock()

	if !running || isr == nil {
		return false
	}
	isr()
	return true
}
