package trader

import (
	"sync"

	"kis-trade-bot-go/internal/strategy"
)

// DailyCounter counts executed trades across all instruments for one trading day.
// A max of zero or less means unlimited.
type DailyCounter struct {
	mu    sync.Mutex
	day   strategy.Day
	count int
	max   int
}

func NewDailyCounter(max int) *DailyCounter {
	return &DailyCounter{max: max}
}

// Rollover resets the count when day differs from the counter's day.
func (c *DailyCounter) Rollover(day strategy.Day) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day == day {
		return false
	}
	c.day = day
	c.count = 0
	return true
}

// Reached reports whether no further trades are allowed today.
func (c *DailyCounter) Reached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max > 0 && c.count >= c.max
}

func (c *DailyCounter) Increment() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *DailyCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// CountOn returns the count as it stands on day without rolling the counter over:
// a count left from an earlier day reads as zero.
func (c *DailyCounter) CountOn(day strategy.Day) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		return 0
	}
	return c.count
}

func (c *DailyCounter) Max() int { return c.max }
