// Package bandwidth tracks API request volume and turns it into advisory
// delay hints for the sync workers.
package bandwidth

import (
	"sync"
	"time"
)

const (
	// Window is how long request entries are retained
	Window = time.Hour
	// LevelWindow is the span CurrentTrafficLevel counts over
	LevelWindow = time.Minute
)

// Thresholds are requests per minute at which the delay hint steps up
type Thresholds struct {
	HighTraffic int `json:"high_traffic" yaml:"high_traffic"`
	Overload    int `json:"overload" yaml:"overload"`
	Critical    int `json:"critical" yaml:"critical"`
}

// DefaultThresholds returns the 1000/1500/2000 per minute table
func DefaultThresholds() Thresholds {
	return Thresholds{HighTraffic: 1000, Overload: 1500, Critical: 2000}
}

// Delay hints per level
const (
	HighTrafficDelay = 100 * time.Millisecond
	OverloadDelay    = 200 * time.Millisecond
	CriticalDelay    = 500 * time.Millisecond
)

type entry struct {
	at   time.Time
	size int
}

// Stats is a snapshot of the monitor
type Stats struct {
	RequestsLastMinute int           `json:"requests_last_minute"`
	RequestsLastHour   int           `json:"requests_last_hour"`
	BytesLastHour      int64         `json:"bytes_last_hour"`
	Level              string        `json:"level"`
	Delay              time.Duration `json:"delay_ns"`
	DelayMs            int64         `json:"delay_ms"`
}

// Monitor is a sliding log of request timestamps and sizes
type Monitor struct {
	mu         sync.RWMutex
	entries    []entry // oldest first
	thresholds Thresholds
	now        func() time.Time
}

// NewMonitor creates a monitor. Zero thresholds fall back to the defaults.
func NewMonitor(thresholds Thresholds) *Monitor {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{thresholds: thresholds, now: time.Now}
}

// SetClock replaces the time source, used by tests
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// RecordRequest appends a request and prunes entries older than an hour
func (m *Monitor) RecordRequest(sizeBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries = append(m.entries, entry{at: now, size: sizeBytes})
	m.prune(now)
}

// prune must be called with the write lock held
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(m.entries) && !m.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append(m.entries[:0], m.entries[i:]...)
	}
}

// CurrentTrafficLevel counts requests in the last 60 seconds
func (m *Monitor) CurrentTrafficLevel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countSince(m.now().Add(-LevelWindow))
}

func (m *Monitor) countSince(cutoff time.Time) int {
	n := 0
	for i := len(m.entries) - 1; i >= 0; i-- {
		if !m.entries[i].at.After(cutoff) {
			break
		}
		n++
	}
	return n
}

// OptimalDelay maps the current level through the threshold table
func (m *Monitor) OptimalDelay() time.Duration {
	return m.DelayFor(m.CurrentTrafficLevel())
}

// DelayFor is the delay hint for a given requests-per-minute level
func (m *Monitor) DelayFor(level int) time.Duration {
	switch {
	case level >= m.thresholds.Critical:
		return CriticalDelay
	case level >= m.thresholds.Overload:
		return OverloadDelay
	case level >= m.thresholds.HighTraffic:
		return HighTrafficDelay
	}
	return 0
}

func (m *Monitor) levelName(level int) string {
	switch {
	case level >= m.thresholds.Critical:
		return "critical"
	case level >= m.thresholds.Overload:
		return "overload"
	case level >= m.thresholds.HighTraffic:
		return "high_traffic"
	}
	return "normal"
}

// Stats returns a snapshot of the window
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	cutoff := now.Add(-Window)
	var hour int
	var bytes int64
	for _, e := range m.entries {
		if e.at.After(cutoff) {
			hour++
			bytes += int64(e.size)
		}
	}
	level := m.countSince(now.Add(-LevelWindow))
	delay := m.DelayFor(level)
	return Stats{
		RequestsLastMinute: level,
		RequestsLastHour:   hour,
		BytesLastHour:      bytes,
		Level:              m.levelName(level),
		Delay:              delay,
		DelayMs:            delay.Milliseconds(),
	}
}
