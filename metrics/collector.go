package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const messageHistorySize = 1000

// QualityLevel grades a connection from latency and message rate.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent" // < 100ms latency, > 1000 msgs/sec
	QualityGood      QualityLevel = "good"      // < 500ms latency, > 500 msgs/sec
	QualityFair      QualityLevel = "fair"      // < 1000ms latency, > 100 msgs/sec
	QualityPoor      QualityLevel = "poor"
	QualityCritical  QualityLevel = "critical" // no messages for > 30 seconds
)

// Snapshot is a point-in-time view of one connection's health.
type Snapshot struct {
	LatencyP50Ms      int64
	LatencyP95Ms      int64
	LatencyP99Ms      int64
	MessagesPerSecond float64
	TotalMessages     uint64
	ErrorCount        uint64
	ReconnectCount    uint64
	LastMessageMs     int64
	UptimeSeconds     int64
	Quality           QualityLevel
}

// Collector gathers per-connection performance metrics. Safe for concurrent
// use: the subscription records on its own goroutine while the session
// layer reads snapshots.
type Collector struct {
	mu sync.Mutex

	latencies  []int64
	maxSamples int

	messageTimes   deque.Deque[int64]
	totalMessages  uint64
	errorCount     uint64
	reconnectCount uint64
	lastMessageMs  int64
	connectedAt    time.Time
}

// NewCollector creates a collector retaining at most maxSamples latency
// observations.
func NewCollector(maxSamples int) *Collector {
	if maxSamples < 1 {
		maxSamples = 1
	}
	return &Collector{
		latencies:   make([]int64, 0, maxSamples),
		maxSamples:  maxSamples,
		connectedAt: time.Now(),
	}
}

// RecordConnectionStart resets the uptime baseline and counts a reconnect.
func (c *Collector) RecordConnectionStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedAt = time.Now()
	c.reconnectCount++
}

// RecordMessage notes one received message and its event-to-receive latency.
func (c *Collector) RecordMessage(latencyMs int64) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalMessages++
	c.lastMessageMs = now

	if latencyMs >= 0 {
		if len(c.latencies) >= c.maxSamples {
			c.latencies = c.latencies[1:]
		}
		c.latencies = append(c.latencies, latencyMs)
	}

	c.messageTimes.PushBack(now)
	for c.messageTimes.Len() > messageHistorySize {
		c.messageTimes.PopFront()
	}
}

// RecordError counts one failure.
func (c *Collector) RecordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// Snapshot computes the current metrics view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		TotalMessages:  c.totalMessages,
		ErrorCount:     c.errorCount,
		ReconnectCount: c.reconnectCount,
		LastMessageMs:  c.lastMessageMs,
		UptimeSeconds:  int64(now.Sub(c.connectedAt).Seconds()),
	}

	s.LatencyP50Ms = c.percentile(50)
	s.LatencyP95Ms = c.percentile(95)
	s.LatencyP99Ms = c.percentile(99)
	s.MessagesPerSecond = c.messageRate(now.UnixMilli())
	s.Quality = quality(s, now.UnixMilli())

	return s
}

func (c *Collector) percentile(p int) int64 {
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

// messageRate measures messages per second over the retained history,
// using a 10 second floor so a short burst does not read as a huge rate.
func (c *Collector) messageRate(nowMs int64) float64 {
	n := c.messageTimes.Len()
	if n == 0 {
		return 0
	}
	oldest := c.messageTimes.Front()
	windowMs := nowMs - oldest
	if windowMs < 10_000 {
		windowMs = 10_000
	}
	return float64(n) / (float64(windowMs) / 1000.0)
}

func quality(s Snapshot, nowMs int64) QualityLevel {
	if s.LastMessageMs > 0 && nowMs-s.LastMessageMs > 30_000 {
		return QualityCritical
	}
	switch {
	case s.LatencyP95Ms < 100 && s.MessagesPerSecond > 1000:
		return QualityExcellent
	case s.LatencyP95Ms < 500 && s.MessagesPerSecond > 500:
		return QualityGood
	case s.LatencyP95Ms < 1000 && s.MessagesPerSecond > 100:
		return QualityFair
	default:
		return QualityPoor
	}
}
