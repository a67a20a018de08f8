package stats

import (
	"math"
	"testing"
	"time"
)

func TestRTTAverageMatchesArithmeticMean(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	var sum float64
	const n = 32
	for i := 0; i < n; i++ {
		d := time.Duration(i+1) * time.Millisecond
		c.RecordRTT(now, d)
		sum += float64(d.Microseconds()) / 1000.0
	}

	snap := c.Snapshot()
	mean := sum / n
	if math.Abs(snap.RTTAvgMs-mean) > 1.0 {
		t.Errorf("rtt avg %.3fms differs from mean %.3fms by more than 1ms", snap.RTTAvgMs, mean)
	}
}

func TestRTTP95(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 100 samples of 10ms with five 100ms outliers: P95 must land in the
	// outlier region, the average must not.
	for i := 0; i < 95; i++ {
		c.RecordRTT(now, 10*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		c.RecordRTT(now, 100*time.Millisecond)
	}

	snap := c.Snapshot()
	if snap.RTTP95Ms < 10 {
		t.Errorf("p95 %.1fms below sample floor", snap.RTTP95Ms)
	}
	if snap.RTTAvgMs > 20 {
		t.Errorf("avg %.1fms dominated by outliers", snap.RTTAvgMs)
	}
	if snap.RTTP95Ms < snap.RTTAvgMs {
		t.Errorf("p95 %.1fms below avg %.1fms", snap.RTTP95Ms, snap.RTTAvgMs)
	}
}

func TestFPSOverWindow(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 60 emissions spread over the last second → 12 fps over the 5s window.
	for i := 0; i < 60; i++ {
		c.RecordEmit(now.Add(-time.Duration(i)*16*time.Millisecond), 1000)
	}

	snap := c.Snapshot()
	if snap.FPS < 11 || snap.FPS > 13 {
		t.Errorf("expected ~12 fps over the window, got %.2f", snap.FPS)
	}
	if snap.BandwidthKBps <= 0 {
		t.Error("expected non-zero bandwidth")
	}
}

func TestOldSamplesPruned(t *testing.T) {
	c := NewCollector()
	old := time.Now().Add(-time.Minute)

	c.RecordEmit(old, 500)
	c.RecordSkip(old)
	c.RecordRTT(old, 5*time.Millisecond)

	snap := c.Snapshot()
	if snap.FPS != 0 || snap.SkipCount != 0 || snap.RTTAvgMs != 0 {
		t.Errorf("stale samples survived pruning: %+v", snap)
	}
}

func TestJitterSteadyCadence(t *testing.T) {
	c := NewCollector()
	base := time.Now().Add(-time.Second)

	// Perfectly even emission: jitter must be ~0.
	for i := 0; i < 30; i++ {
		c.RecordEmit(base.Add(time.Duration(i)*16*time.Millisecond), 100)
	}
	snap := c.Snapshot()
	if snap.JitterMs > 0.01 {
		t.Errorf("even cadence reported jitter %.3fms", snap.JitterMs)
	}
}

func TestJitterUnevenCadence(t *testing.T) {
	c := NewCollector()
	base := time.Now().Add(-time.Second)

	// Alternating 5ms/50ms gaps.
	at := base
	for i := 0; i < 30; i++ {
		gap := 5 * time.Millisecond
		if i%2 == 0 {
			gap = 50 * time.Millisecond
		}
		at = at.Add(gap)
		c.RecordEmit(at, 100)
	}
	snap := c.Snapshot()
	if snap.JitterMs < 10 {
		t.Errorf("uneven cadence reported jitter %.3fms", snap.JitterMs)
	}
}

func TestSkipCount(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	for i := 0; i < 7; i++ {
		c.RecordSkip(now)
	}
	if got := c.Snapshot().SkipCount; got != 7 {
		t.Errorf("expected 7 skips, got %d", got)
	}
}
