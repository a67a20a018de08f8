// Package stats aggregates streaming health over a rolling window: emitted
// FPS, inter-frame jitter, skip counts, per-stage timings, and ACK round-trip
// times merged across clients. Snapshots also sample host CPU and memory
// load so a saturated host shows up next to a sagging frame rate.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("stats")

// window is the rolling aggregation span.
const window = 5 * time.Second

// hostSampleInterval throttles gopsutil calls; Snapshot may be polled far
// faster than host load meaningfully changes.
const hostSampleInterval = time.Second

type stageSample struct {
	at time.Time
	d  time.Duration
}

// Collector accumulates samples from the pipeline and TCP threads.
// All methods are safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	emits     []time.Time
	skips     []time.Time
	greyscale []stageSample
	compress  []stageSample
	rtts      []stageSample
	bytes     []struct {
		at time.Time
		n  int
	}

	hostSampledAt time.Time
	hostCPU       float64
	hostMem       float64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordEmit notes an emitted frame of n payload bytes.
func (c *Collector) RecordEmit(at time.Time, n int) {
	c.mu.Lock()
	c.emits = append(c.emits, at)
	c.bytes = append(c.bytes, struct {
		at time.Time
		n  int
	}{at, n})
	c.pruneLocked(at)
	c.mu.Unlock()
}

// RecordSkip notes a frame dropped by backpressure or codec failure.
func (c *Collector) RecordSkip(at time.Time) {
	c.mu.Lock()
	c.skips = append(c.skips, at)
	c.pruneLocked(at)
	c.mu.Unlock()
}

// RecordGreyscale notes a greyscale conversion duration.
func (c *Collector) RecordGreyscale(at time.Time, d time.Duration) {
	c.mu.Lock()
	c.greyscale = append(c.greyscale, stageSample{at, d})
	c.mu.Unlock()
}

// RecordCompress notes a delta+compress duration.
func (c *Collector) RecordCompress(at time.Time, d time.Duration) {
	c.mu.Lock()
	c.compress = append(c.compress, stageSample{at, d})
	c.mu.Unlock()
}

// RecordRTT notes a frame round-trip time from any client.
func (c *Collector) RecordRTT(at time.Time, d time.Duration) {
	c.mu.Lock()
	c.rtts = append(c.rtts, stageSample{at, d})
	c.mu.Unlock()
}

// Snapshot is a point-in-time aggregate over the rolling window.
type Snapshot struct {
	FPS            float64
	JitterMs       float64
	SkipCount      int
	GreyscaleMs    float64
	CompressMs     float64
	RTTAvgMs       float64
	RTTP95Ms       float64
	BandwidthKBps  float64
	HostCPUPercent float64
	HostMemPercent float64
}

// Snapshot computes the rolling aggregates as of now.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()

	c.mu.Lock()
	c.pruneLocked(now)

	var s Snapshot
	span := window.Seconds()
	s.FPS = float64(len(c.emits)) / span
	s.SkipCount = len(c.skips)
	s.JitterMs = jitterMs(c.emits)
	s.GreyscaleMs = meanStageMs(c.greyscale)
	s.CompressMs = meanStageMs(c.compress)
	s.RTTAvgMs = meanStageMs(c.rtts)
	s.RTTP95Ms = p95StageMs(c.rtts)

	var total int
	for _, b := range c.bytes {
		total += b.n
	}
	s.BandwidthKBps = float64(total) / span / 1024.0

	if now.Sub(c.hostSampledAt) >= hostSampleInterval {
		c.hostSampledAt = now
		c.mu.Unlock()
		c.sampleHost()
		c.mu.Lock()
	}
	s.HostCPUPercent = c.hostCPU
	s.HostMemPercent = c.hostMem
	c.mu.Unlock()

	return s
}

// sampleHost refreshes host CPU/memory load. Interval 0 returns usage since
// the previous call, so polling stays non-blocking.
func (c *Collector) sampleHost() {
	var cpuPct, memPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	} else if err != nil {
		log.Debug("host cpu sample failed", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	} else {
		log.Debug("host memory sample failed", "error", err)
	}

	c.mu.Lock()
	c.hostCPU = cpuPct
	c.hostMem = memPct
	c.mu.Unlock()
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	c.emits = pruneTimes(c.emits, cutoff)
	c.skips = pruneTimes(c.skips, cutoff)
	c.greyscale = pruneStages(c.greyscale, cutoff)
	c.compress = pruneStages(c.compress, cutoff)
	c.rtts = pruneStages(c.rtts, cutoff)

	i := 0
	for i < len(c.bytes) && c.bytes[i].at.Before(cutoff) {
		i++
	}
	c.bytes = c.bytes[i:]
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func pruneStages(ss []stageSample, cutoff time.Time) []stageSample {
	i := 0
	for i < len(ss) && ss[i].at.Before(cutoff) {
		i++
	}
	return ss[i:]
}

// jitterMs is the standard deviation of inter-frame intervals.
func jitterMs(emits []time.Time) float64 {
	if len(emits) < 3 {
		return 0
	}
	intervals := make([]float64, 0, len(emits)-1)
	for i := 1; i < len(emits); i++ {
		intervals = append(intervals, float64(emits[i].Sub(emits[i-1]).Microseconds())/1000.0)
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	var sq float64
	for _, v := range intervals {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(intervals)))
}

func meanStageMs(ss []stageSample) float64 {
	if len(ss) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range ss {
		sum += s.d
	}
	return float64(sum.Microseconds()) / 1000.0 / float64(len(ss))
}

func p95StageMs(ss []stageSample) float64 {
	if len(ss) == 0 {
		return 0
	}
	ms := make([]float64, 0, len(ss))
	for _, s := range ss {
		ms = append(ms, float64(s.d.Microseconds())/1000.0)
	}
	sort.Float64s(ms)
	idx := int(math.Ceil(0.95*float64(len(ms)))) - 1
	if idx < 0 {
		idx = 0
	}
	return ms[idx]
}
