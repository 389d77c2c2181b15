package realtime

import "time"

const (
	heartbeatCheckInterval = 10 * time.Second
	heartbeatStaleAfter    = 30 * time.Second
)

// heartbeatMonitor detects a connection that went silent without closing.
// It is owned by the controller loop; ticks are handed back through dispatch.
type heartbeatMonitor struct {
	clock      Clock
	interval   time.Duration
	staleAfter time.Duration
	dispatch   func(func()) bool
	onStale    func(silence time.Duration)

	lastSeen time.Time
	ticker   Timer
	// gen invalidates ticks queued before the last stop.
	gen uint64
}

func (m *heartbeatMonitor) start() {
	m.stop()
	m.gen++
	gen := m.gen
	m.lastSeen = m.clock.Now()
	m.ticker = m.clock.Every(m.interval, func() {
		m.dispatch(func() { m.check(gen) })
	})
}

func (m *heartbeatMonitor) touch() {
	m.lastSeen = m.clock.Now()
}

func (m *heartbeatMonitor) stop() {
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	m.ticker = nil
	m.gen++
}

func (m *heartbeatMonitor) check(gen uint64) {
	if m.ticker == nil || gen != m.gen {
		return
	}
	silence := m.clock.Now().Sub(m.lastSeen)
	if silence > m.staleAfter {
		m.onStale(silence)
	}
}
