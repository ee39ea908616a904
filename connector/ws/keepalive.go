package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxLatencySamples = 100

// KeepaliveObserver receives keepalive events as they are recorded.
// Calls happen on the read and write loops and must not block.
type KeepaliveObserver interface {
	FrameReceived()
	FrameSent()
	HeartbeatAcked(latency time.Duration)
}

// KeepaliveMetrics tracks connection health.
type KeepaliveMetrics struct {
	observer KeepaliveObserver

	heartbeatsSent atomic.Uint64
	heartbeatAcks  atomic.Uint64
	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	reconnects     atomic.Uint64

	mu              sync.RWMutex
	latencies       []time.Duration
	connectionStart time.Time
}

func newKeepaliveMetrics() *KeepaliveMetrics {
	return &KeepaliveMetrics{latencies: make([]time.Duration, 0, maxLatencySamples)}
}

func (m *KeepaliveMetrics) recordHeartbeat() { m.heartbeatsSent.Add(1) }
func (m *KeepaliveMetrics) recordReconnect() { m.reconnects.Add(1) }

func (m *KeepaliveMetrics) recordFrameIn() {
	m.framesReceived.Add(1)
	if m.observer != nil {
		m.observer.FrameReceived()
	}
}

func (m *KeepaliveMetrics) recordFrameOut() {
	m.framesSent.Add(1)
	if m.observer != nil {
		m.observer.FrameSent()
	}
}

func (m *KeepaliveMetrics) recordAck(latency time.Duration) {
	m.heartbeatAcks.Add(1)
	if latency <= 0 {
		return
	}
	if m.observer != nil {
		m.observer.HeartbeatAcked(latency)
	}
	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.mu.Unlock()
}

func (m *KeepaliveMetrics) connected(now time.Time) {
	m.mu.Lock()
	m.connectionStart = now
	m.mu.Unlock()
}

// KeepaliveSnapshot is a point-in-time copy of KeepaliveMetrics.
type KeepaliveSnapshot struct {
	HeartbeatsSent uint64
	HeartbeatAcks  uint64
	FramesReceived uint64
	FramesSent     uint64
	Reconnects     uint64
	AverageLatency time.Duration
	Uptime         time.Duration
}

// Snapshot copies the current values.
func (m *KeepaliveMetrics) Snapshot() KeepaliveSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := KeepaliveSnapshot{
		HeartbeatsSent: m.heartbeatsSent.Load(),
		HeartbeatAcks:  m.heartbeatAcks.Load(),
		FramesReceived: m.framesReceived.Load(),
		FramesSent:     m.framesSent.Load(),
		Reconnects:     m.reconnects.Load(),
	}
	if !m.connectionStart.IsZero() {
		s.Uptime = time.Since(m.connectionStart)
	}
	if len(m.latencies) > 0 {
		var total time.Duration
		for _, l := range m.latencies {
			total += l
		}
		s.AverageLatency = total / time.Duration(len(m.latencies))
	}
	return s
}
