// Package server implements the frame protocol listener: a single-port TCP
// fan-out with keyframe caching, per-client send queues, ACK/RTT tracking
// and stall detection.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daylight-mirror/host/internal/events"
	"github.com/daylight-mirror/host/internal/logging"
	"github.com/daylight-mirror/host/internal/protocol"
)

var log = logging.L("server")

// ErrClosed is returned by Start when the server has already been closed.
var ErrClosed = errors.New("server: closed")

// Config holds listener parameters and the callbacks the server feeds.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8888". Tests use "127.0.0.1:0".
	Addr string

	// SendQueueDepth bounds each client's outbound queue in packets.
	// A client whose queue is full has further frames dropped (recorded as
	// skips) until it drains; the connection is kept.
	SendQueueDepth int

	// FrameInterval is the nominal time between frames, used for stall
	// detection: a client with no ACK for 10× this interval stops
	// contributing to the backpressure minimum.
	FrameInterval time.Duration

	// OnCommand receives command packets parsed from client connections.
	OnCommand func(protocol.Command)

	// OnRTT receives each measured frame round-trip time.
	OnRTT func(at time.Time, rtt time.Duration)
}

// stallFactor times FrameInterval is the no-ACK span after which a client
// is considered stalled.
const stallFactor = 10

// Snapshot is the lock-free view of client state the pipeline reads each
// frame for its backpressure decision.
type Snapshot struct {
	Clients     int
	MinInflight int
	RTTAvg      time.Duration
}

// Server is the TCP fan-out. Broadcast is called from the pipeline thread;
// everything else runs on the server's own I/O goroutines.
type Server struct {
	cfg Config
	bus *events.Bus

	ln net.Listener

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64

	// lastEmitted packs (1<<32 | seq) once any frame has been emitted, so a
	// single atomic load gives both the sequence and its validity.
	lastEmitted atomic.Uint64

	cachedMu  sync.Mutex
	cachedPkt []byte
	cachedSeq uint32

	snap atomic.Pointer[Snapshot]

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server; call Start to begin accepting.
func New(cfg Config, bus *events.Bus) *Server {
	if cfg.SendQueueDepth < 1 {
		cfg.SendQueueDepth = 4
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 60
	}
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		clients: make(map[uint64]*client),
		done:    make(chan struct{}),
	}
	s.snap.Store(&Snapshot{})
	return s
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Info("frame protocol listener started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, disconnects all clients and waits for I/O
// goroutines to exit. The cached keyframe is discarded with the session.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}

		s.mu.Lock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
		s.wg.Wait()
	})
}

// Snapshot returns the latest client-state view. Never nil.
func (s *Server) Snapshot() Snapshot {
	return *s.snap.Load()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CachedKeyframe returns a copy of the retained keyframe packet, if any.
func (s *Server) CachedKeyframe() ([]byte, uint32, bool) {
	s.cachedMu.Lock()
	defer s.cachedMu.Unlock()
	if s.cachedPkt == nil {
		return nil, 0, false
	}
	cp := make([]byte, len(s.cachedPkt))
	copy(cp, s.cachedPkt)
	return cp, s.cachedSeq, true
}

// Broadcast enqueues an encoded frame packet on every connected client.
// Keyframes update the cached keyframe before any enqueue so a client
// accepted mid-broadcast can never observe the older cache. Never blocks
// on client sockets.
func (s *Server) Broadcast(pkt []byte, keyframe bool, seq uint32, now time.Time) {
	if keyframe {
		cp := make([]byte, len(pkt))
		copy(cp, pkt)
		s.cachedMu.Lock()
		s.cachedPkt = cp
		s.cachedSeq = seq
		s.cachedMu.Unlock()
	}

	s.lastEmitted.Store(1<<32 | uint64(seq))

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueueFrame(pkt, seq, now)
	}
	s.updateSnapshot()
}

// SendCommand fans a display command packet out to every client.
func (s *Server) SendCommand(cmd, value byte) {
	pkt := protocol.EncodeCommand(cmd, value)

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(pkt)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			log.Debug("TCP_NODELAY failed", "error", err)
		}
	}

	c := s.newClient(conn)

	// Ship the cached keyframe before the client enters the broadcast set,
	// so its very first bytes are a decodable starting point.
	s.cachedMu.Lock()
	cached := s.cachedPkt
	s.cachedMu.Unlock()
	if cached != nil {
		if _, err := conn.Write(cached); err != nil {
			log.Debug("cached keyframe write failed", "client", c.id, "error", err)
			conn.Close()
			return
		}
	}

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.updateSnapshot()
	s.bus.Publish(events.Event{Kind: events.KindClientCount, Value: count})
	log.Info("client connected", "client", c.id, "remote", conn.RemoteAddr().String(), "clients", count)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) removeClient(c *client) {
	c.close()

	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()

	if !present {
		return
	}

	s.updateSnapshot()
	s.bus.Publish(events.Event{Kind: events.KindClientCount, Value: count})
	log.Info("client disconnected", "client", c.id, "clients", count, "skips", c.skips.Load())
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		case pkt, ok := <-c.sendQ:
			if !ok {
				return
			}
			if _, err := c.conn.Write(pkt); err != nil {
				s.removeClient(c)
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				pkt, ok := dec.Next()
				if !ok {
					break
				}
				switch p := pkt.(type) {
				case protocol.Ack:
					s.handleAck(c, p.Seq)
				case protocol.Command:
					if s.cfg.OnCommand != nil {
						s.cfg.OnCommand(p)
					}
				case protocol.Frame:
					// Clients have no business sending frames; ignore.
				}
			}
		}
		if err != nil {
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) handleAck(c *client, seq uint32) {
	now := time.Now()
	rtt, hasRTT := c.recordAck(seq, now)
	if hasRTT && s.cfg.OnRTT != nil {
		s.cfg.OnRTT(now, rtt)
	}
	s.updateSnapshot()
}

// updateSnapshot recomputes the lock-free backpressure view. The minimum
// inflight ignores stalled clients so one paused renderer does not starve
// the stream for everyone else.
func (s *Server) updateSnapshot() {
	emitted := s.lastEmitted.Load()
	emittedValid := emitted>>32 != 0
	emittedSeq := uint32(emitted)

	now := time.Now()
	stallAfter := time.Duration(stallFactor) * s.cfg.FrameInterval

	s.mu.Lock()
	count := len(s.clients)
	minInflight := -1
	var rttSum time.Duration
	var rttClients int
	for _, c := range s.clients {
		inflight, rtt, hasRTT := c.backpressureView(emittedSeq, emittedValid, now, stallAfter)
		if minInflight < 0 || inflight < minInflight {
			minInflight = inflight
		}
		if hasRTT {
			rttSum += rtt
			rttClients++
		}
	}
	s.mu.Unlock()

	snap := &Snapshot{Clients: count}
	if minInflight > 0 {
		snap.MinInflight = minInflight
	}
	if rttClients > 0 {
		snap.RTTAvg = rttSum / time.Duration(rttClients)
	}
	s.snap.Store(snap)
}
