package memory

import "sync"

// DefaultFlushThreshold is the context utilization that triggers a flush.
const DefaultFlushThreshold = 0.75

// UsageMonitor raises an edge-triggered flush per conversation once context
// utilization crosses the threshold. The flag stays set until
// OnCompactionComplete clears it.
type UsageMonitor struct {
	mu        sync.Mutex
	threshold float64
	flagged   map[string]bool
	onFlush   func(conversationID string)
}

func NewUsageMonitor(threshold float64, onFlush func(conversationID string)) *UsageMonitor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFlushThreshold
	}
	return &UsageMonitor{
		threshold: threshold,
		flagged:   make(map[string]bool),
		onFlush:   onFlush,
	}
}

// SetThreshold replaces the threshold; out-of-range values are ignored.
func (m *UsageMonitor) SetThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

func (m *UsageMonitor) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// OnUsage records a usage report. The callback runs synchronously, outside the lock.
func (m *UsageMonitor) OnUsage(conversationID string, used, max int) {
	if max <= 0 {
		return
	}
	ratio := float64(used) / float64(max)

	m.mu.Lock()
	if ratio < m.threshold || m.flagged[conversationID] {
		m.mu.Unlock()
		return
	}
	m.flagged[conversationID] = true
	onFlush := m.onFlush
	m.mu.Unlock()

	if onFlush != nil {
		onFlush(conversationID)
	}
}

// OnCompactionComplete re-arms the flush signal for a conversation.
func (m *UsageMonitor) OnCompactionComplete(conversationID string) {
	m.mu.Lock()
	delete(m.flagged, conversationID)
	m.mu.Unlock()
}

// Flagged reports whether a flush is outstanding for the conversation.
func (m *UsageMonitor) Flagged(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagged[conversationID]
}
