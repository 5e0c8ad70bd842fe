package metrics

import (
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(100)

	for i := 0; i < 5; i++ {
		c.RecordMessage(10)
	}
	c.RecordError()
	c.RecordError()
	c.RecordConnectionStart()

	s := c.Snapshot()
	if s.TotalMessages != 5 {
		t.Errorf("total messages = %d, want 5", s.TotalMessages)
	}
	if s.ErrorCount != 2 {
		t.Errorf("error count = %d, want 2", s.ErrorCount)
	}
	if s.ReconnectCount != 1 {
		t.Errorf("reconnect count = %d, want 1", s.ReconnectCount)
	}
	if s.LastMessageMs == 0 {
		t.Errorf("last message time not recorded")
	}
}

func TestCollectorPercentiles(t *testing.T) {
	c := NewCollector(100)
	for latency := int64(1); latency <= 100; latency++ {
		c.RecordMessage(latency)
	}

	s := c.Snapshot()
	if s.LatencyP50Ms != 50 {
		t.Errorf("p50 = %d, want 50", s.LatencyP50Ms)
	}
	if s.LatencyP95Ms != 95 {
		t.Errorf("p95 = %d, want 95", s.LatencyP95Ms)
	}
	if s.LatencyP99Ms != 99 {
		t.Errorf("p99 = %d, want 99", s.LatencyP99Ms)
	}
}

func TestCollectorNegativeLatencySkipped(t *testing.T) {
	c := NewCollector(100)
	c.RecordMessage(-1)
	c.RecordMessage(40)

	s := c.Snapshot()
	if s.TotalMessages != 2 {
		t.Errorf("total messages = %d, want 2", s.TotalMessages)
	}
	if s.LatencyP50Ms != 40 {
		t.Errorf("p50 = %d, want 40 (unknown latency must be excluded)", s.LatencyP50Ms)
	}
}

func TestCollectorSampleCap(t *testing.T) {
	c := NewCollector(10)
	for latency := int64(1); latency <= 50; latency++ {
		c.RecordMessage(latency)
	}

	// Only the most recent 10 samples (41..50) remain.
	s := c.Snapshot()
	if s.LatencyP50Ms < 41 {
		t.Errorf("p50 = %d, want a value from the retained window", s.LatencyP50Ms)
	}
}

func TestCollectorMessageRateFloor(t *testing.T) {
	c := NewCollector(100)
	for i := 0; i < 100; i++ {
		c.RecordMessage(1)
	}

	// A burst of 100 messages over the 10s floor reads as at most 10/s.
	s := c.Snapshot()
	if s.MessagesPerSecond > 10.0 {
		t.Errorf("rate = %v, want <= 10 with the window floor", s.MessagesPerSecond)
	}
	if s.MessagesPerSecond <= 0 {
		t.Errorf("rate = %v, want > 0", s.MessagesPerSecond)
	}
}

func TestQualityGrading(t *testing.T) {
	cases := []struct {
		name string
		s    Snapshot
		now  int64
		want QualityLevel
	}{
		{"silent connection", Snapshot{LastMessageMs: 1000}, 40_000, QualityCritical},
		{"excellent", Snapshot{LastMessageMs: 39_000, LatencyP95Ms: 50, MessagesPerSecond: 2000}, 40_000, QualityExcellent},
		{"good", Snapshot{LastMessageMs: 39_000, LatencyP95Ms: 300, MessagesPerSecond: 600}, 40_000, QualityGood},
		{"fair", Snapshot{LastMessageMs: 39_000, LatencyP95Ms: 800, MessagesPerSecond: 200}, 40_000, QualityFair},
		{"poor", Snapshot{LastMessageMs: 39_000, LatencyP95Ms: 5000, MessagesPerSecond: 1}, 40_000, QualityPoor},
		{"no messages yet", Snapshot{}, 40_000, QualityPoor},
	}
	for _, c := range cases {
		if got := quality(c.s, c.now); got != c.want {
			t.Errorf("%s: quality = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestEmptyCollectorSnapshot(t *testing.T) {
	c := NewCollector(10)
	s := c.Snapshot()

	if s.LatencyP50Ms != 0 || s.MessagesPerSecond != 0 {
		t.Errorf("empty collector produced non-zero metrics: %+v", s)
	}
}
