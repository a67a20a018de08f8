// Package pipeline glues capture, conversion, encoding and fan-out into the
// per-frame streaming loop, owns the session lifecycle, and makes the
// per-frame transmit-or-drop decision from client backpressure.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daylight-mirror/host/internal/capture"
	"github.com/daylight-mirror/host/internal/display"
	"github.com/daylight-mirror/host/internal/events"
	"github.com/daylight-mirror/host/internal/frame"
	"github.com/daylight-mirror/host/internal/health"
	"github.com/daylight-mirror/host/internal/logging"
	"github.com/daylight-mirror/host/internal/protocol"
	"github.com/daylight-mirror/host/internal/server"
	"github.com/daylight-mirror/host/internal/stats"
)

var log = logging.L("pipeline")

// Backpressure bounds: inflightMax = max(2, min(6, 120/rttMs)), or 1 when
// no client is connected.
const (
	inflightFloor   = 2
	inflightCeiling = 6
	inflightBudget  = 120 // ms of inflight frames at 60fps
)

// Config holds the immutable session parameters.
type Config struct {
	Width            int
	Height           int
	FPS              int
	KeyframeInterval int

	// Addr is the frame protocol listen address (":8888" in production).
	Addr           string
	SendQueueDepth int

	// SkipStreakKeyframe is the consecutive-skip count after which the next
	// emitted frame is forced to be a keyframe.
	SkipStreakKeyframe int

	// InitialDisplay seeds the display controller, typically from the
	// device bridge; the zero value yields sensible defaults.
	InitialDisplay display.State
}

// Recorder persists emitted packets; satisfied by record.Writer.
type Recorder interface {
	WritePacket(pkt []byte, at time.Time) error
}

// Mirror receives a copy of every emitted frame packet; satisfied by the
// browser fallback viewer. Must not block.
type Mirror interface {
	MirrorFrame(pkt []byte, keyframe bool, seq uint32)
}

// Pipeline is the streaming coordinator. One goroutine (the pipeline
// thread) consumes capture frames serially and performs all heavy work:
// greyscale, XOR, LZ4 and serialization.
type Pipeline struct {
	cfg    Config
	source capture.Source

	bus       *events.Bus
	collector *stats.Collector
	monitor   *health.Monitor

	srv     *server.Server
	bufs    *frame.Buffers
	codec   frame.Codec
	disp    *display.Controller
	capSess capture.Session

	recorder     Recorder
	recorderDead bool
	mirrors      []Mirror

	// Pipeline-thread state; no lock needed.
	seq        uint32
	forced     bool
	skipStreak int

	// captureDrops counts frames lost at the capture handoff.
	captureDrops atomic.Uint64

	frameCh chan capture.Frame
	done    chan struct{}
	wg      sync.WaitGroup

	state     atomic.Pointer[State]
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a pipeline. The bus, collector and monitor are shared with
// the caller so CLI output and the fallback viewer observe the same stream.
func New(cfg Config, source capture.Source, bus *events.Bus, collector *stats.Collector, monitor *health.Monitor) *Pipeline {
	if cfg.KeyframeInterval < 1 {
		cfg.KeyframeInterval = 30
	}
	if cfg.FPS < 1 {
		cfg.FPS = 60
	}
	if cfg.SkipStreakKeyframe < 1 {
		cfg.SkipStreakKeyframe = 4
	}

	p := &Pipeline{
		cfg:       cfg,
		source:    source,
		bus:       bus,
		collector: collector,
		monitor:   monitor,
		frameCh:   make(chan capture.Frame, 1),
		done:      make(chan struct{}),
	}
	p.state.Store(&State{Status: StatusIdle})
	return p
}

// SetRecorder attaches a packet recorder. Call before Start.
func (p *Pipeline) SetRecorder(r Recorder) { p.recorder = r }

// AddMirror attaches a frame mirror. Call before Start.
func (p *Pipeline) AddMirror(m Mirror) { p.mirrors = append(p.mirrors, m) }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return *p.state.Load() }

// Display returns the display control channel. Nil before Start.
func (p *Pipeline) Display() *display.Controller { return p.disp }

// Server returns the fan-out server. Nil before Start.
func (p *Pipeline) Server() *server.Server { return p.srv }

// CaptureDrops returns frames lost at the capture handoff.
func (p *Pipeline) CaptureDrops() uint64 { return p.captureDrops.Load() }

// Start allocates buffers, binds the listener, starts capture and begins
// streaming. A failure at any step tears down what was built and leaves
// the pipeline in StatusError.
func (p *Pipeline) Start() error {
	var err error
	p.startOnce.Do(func() {
		err = p.start()
	})
	return err
}

func (p *Pipeline) start() error {
	p.setState(State{Status: StatusStarting})

	bufs, err := frame.NewBuffers(p.cfg.Width, p.cfg.Height)
	if err != nil {
		p.setState(State{Status: StatusError, Err: err.Error()})
		return fmt.Errorf("pipeline: allocate planes: %w", err)
	}
	p.bufs = bufs

	p.srv = server.New(server.Config{
		Addr:           p.cfg.Addr,
		SendQueueDepth: p.cfg.SendQueueDepth,
		FrameInterval:  time.Second / time.Duration(p.cfg.FPS),
		OnCommand:      p.handleDeviceCommand,
		OnRTT:          p.collector.RecordRTT,
	}, p.bus)
	if err := p.srv.Start(); err != nil {
		p.setState(State{Status: StatusError, Err: err.Error()})
		return fmt.Errorf("pipeline: %w", err)
	}

	p.disp = display.New(p.cfg.InitialDisplay, p.srv.SendCommand, p.bus)

	sess, err := p.source.Start(p.cfg.Width, p.cfg.Height, p.cfg.FPS, p.onFrame)
	if err != nil {
		p.srv.Close()
		p.setState(State{Status: StatusError, Err: err.Error()})
		return fmt.Errorf("pipeline: start capture: %w", err)
	}
	p.capSess = sess

	p.wg.Add(1)
	go p.run()

	p.monitor.Update(health.ComponentPipeline, health.Healthy, "")
	p.setState(State{Status: StatusRunning})
	log.Info("session started",
		"width", p.cfg.Width,
		"height", p.cfg.Height,
		"fps", p.cfg.FPS,
		"keyframeInterval", p.cfg.KeyframeInterval,
		"addr", p.srv.Addr().String(),
	)
	return nil
}

// Stop ends the session: capture first so no new frames arrive, then the
// pipeline thread drains, then the listener and clients close.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.State().Status != StatusRunning {
			// A failed start left nothing running.
			return
		}
		p.setState(State{Status: StatusStopping})

		p.capSess.Stop()
		close(p.done)
		p.wg.Wait()
		p.srv.Close()

		p.setState(State{Status: StatusIdle})
		snap := p.collector.Snapshot()
		log.Info("session stopped",
			"framesEmitted", p.seq,
			"fps", fmt.Sprintf("%.1f", snap.FPS),
			"skipsInWindow", snap.SkipCount,
			"captureDrops", p.captureDrops.Load(),
		)
	})
}

// Fail tears the session down after an unrecoverable runtime error (the
// capture source died, for example) and parks it in StatusError. Unlike
// Stop, the terminal state is not Idle; the session will not auto-restart.
// The listener is closed, so the port is released and clients disconnect.
func (p *Pipeline) Fail(msg string) {
	p.stopOnce.Do(func() {
		if p.State().Status != StatusRunning {
			return
		}
		p.setState(State{Status: StatusStopping})

		p.capSess.Stop()
		close(p.done)
		p.wg.Wait()
		p.srv.Close()

		p.setState(State{Status: StatusError, Err: msg})
	})
}

// onFrame runs on the capture thread. The single-slot handoff keeps the
// capture queue shallow: when the pipeline thread is mid-frame, the new
// frame is dropped here rather than queued.
func (p *Pipeline) onFrame(f capture.Frame) {
	select {
	case p.frameCh <- f:
	default:
		p.captureDrops.Add(1)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			// Capture is already stopped; drain the last handed-off frame.
			select {
			case f := <-p.frameCh:
				p.process(f)
			default:
			}
			return
		case f := <-p.frameCh:
			p.process(f)
		}
	}
}

// process is the per-frame decision and encode path.
func (p *Pipeline) process(f capture.Frame) {
	now := time.Now()
	snap := p.srv.Snapshot()

	keyframe := p.seq%uint32(p.cfg.KeyframeInterval) == 0 || p.forced

	if !keyframe && snap.MinInflight >= p.inflightMax(snap) {
		p.recordSkip(now)
		return
	}

	t0 := time.Now()
	if err := frame.GreyscaleBGRA(p.bufs.Current(), f.BGRA, p.cfg.Width, p.cfg.Height, f.Stride); err != nil {
		// A malformed capture frame; count it and wait for the next one.
		log.Warn("greyscale conversion failed", "error", err)
		p.monitor.Update(health.ComponentCapture, health.Degraded, err.Error())
		p.recordSkip(now)
		return
	}
	p.collector.RecordGreyscale(now, time.Since(t0))

	t1 := time.Now()
	var payload []byte
	var err error
	if keyframe {
		payload, err = p.codec.EncodeKeyframe(p.bufs)
	} else {
		payload, err = p.codec.EncodeDelta(p.bufs)
	}
	if err != nil {
		// Codec failure is fatal for the frame: drop it and force a
		// keyframe so receivers resynchronize.
		log.Warn("frame encode failed", "seq", p.seq, "error", err)
		p.recordSkip(now)
		p.forced = true
		return
	}
	p.collector.RecordCompress(now, time.Since(t1))

	pkt := protocol.EncodeFrame(p.seq, keyframe, payload)
	sendAt := time.Now()
	p.srv.Broadcast(pkt, keyframe, p.seq, sendAt)
	for _, m := range p.mirrors {
		m.MirrorFrame(pkt, keyframe, p.seq)
	}
	if p.recorder != nil && !p.recorderDead {
		if err := p.recorder.WritePacket(pkt, sendAt); err != nil {
			log.Warn("recording failed, disabling recorder", "error", err)
			p.recorderDead = true
		}
	}

	p.bufs.SwapCurrentPrevious()
	p.collector.RecordEmit(sendAt, len(pkt))
	p.seq++
	p.forced = false
	p.skipStreak = 0
}

// inflightMax derives the backpressure ceiling from the average RTT across
// clients: max(2, min(6, 120/rttMs)). With no clients the ceiling is 1,
// which never throttles because minimum inflight is then 0.
func (p *Pipeline) inflightMax(snap server.Snapshot) int {
	if snap.Clients == 0 {
		return 1
	}
	rttMs := snap.RTTAvg.Milliseconds()
	if rttMs < 1 {
		rttMs = 1
	}
	v := int(inflightBudget / rttMs)
	if v < inflightFloor {
		v = inflightFloor
	}
	if v > inflightCeiling {
		v = inflightCeiling
	}
	return v
}

// recordSkip notes a dropped frame. The sequence does not advance and the
// planes do not swap, so the next delta is still taken against the last
// emitted frame. A long skip streak forces the next emission to be a
// keyframe.
func (p *Pipeline) recordSkip(now time.Time) {
	p.collector.RecordSkip(now)
	p.skipStreak++
	if p.skipStreak > p.cfg.SkipStreakKeyframe {
		p.forced = true
	}
}

// handleDeviceCommand applies commands sent by the device (hardware
// brightness keys, for example) to the host-side display state.
func (p *Pipeline) handleDeviceCommand(cmd protocol.Command) {
	if p.disp == nil {
		return
	}
	p.disp.ApplyRemote(cmd)
}

func (p *Pipeline) setState(st State) {
	p.state.Store(&st)
	p.bus.Publish(events.Event{Kind: events.KindStatus, Text: st.Status.String(), Value: int(st.Status)})
	if st.Status == StatusError {
		log.Error("session entered error state", "error", st.Err)
		p.monitor.Update(health.ComponentPipeline, health.Unhealthy, st.Err)
	}
}
