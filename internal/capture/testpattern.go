package capture

import (
	"sync"
	"time"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("capture")

// TestPattern is a synthetic capture source producing a horizontally
// scrolling greyscale gradient. It exercises the whole pipeline with no
// platform capture: every frame differs from the last, so delta payloads
// stay non-trivial.
type TestPattern struct{}

// Start implements Source.
func (TestPattern) Start(w, h, fps int, onFrame FrameFunc) (Session, error) {
	if fps < 1 {
		fps = 1
	}
	s := &testPatternSession{
		w:       w,
		h:       h,
		fps:     fps,
		onFrame: onFrame,
		done:    make(chan struct{}),
	}
	// Two delivery buffers so frame generation never races a consumer that
	// is still reading the previous frame.
	s.bufs[0] = make([]byte, w*h*4)
	s.bufs[1] = make([]byte, w*h*4)

	s.wg.Add(1)
	go s.run()
	log.Info("test pattern source started", "width", w, "height", h, "fps", fps)
	return s, nil
}

type testPatternSession struct {
	w, h    int
	fps     int
	onFrame FrameFunc
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
	bufs    [2][]byte
	phase   int
}

func (s *testPatternSession) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			buf := s.bufs[s.phase%2]
			s.render(buf)
			s.onFrame(Frame{BGRA: buf, Stride: s.w * 4, Timestamp: time.Now()})
			s.phase++
		}
	}
}

// render fills buf with the gradient shifted by the current phase.
func (s *testPatternSession) render(buf []byte) {
	for y := 0; y < s.h; y++ {
		row := buf[y*s.w*4:]
		for x := 0; x < s.w; x++ {
			v := byte((x + y + s.phase) & 0xFF)
			pi := x * 4
			row[pi+0] = v    // B
			row[pi+1] = v    // G
			row[pi+2] = v    // R
			row[pi+3] = 0xFF // A
		}
	}
}

// Stop implements Session.
func (s *testPatternSession) Stop() {
	s.stop.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}
