// Package webmirror is the browser fallback viewer: every broadcast frame
// packet is mirrored onto WebSocket clients, and a small static page that
// decodes the stream in-browser is served over plain HTTP. It is strictly
// best-effort — a slow browser drops frames and never back-pressures the
// device stream.
package webmirror

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("webmirror")

// queueDepth bounds the per-browser frame queue. Browsers that fall behind
// skip to the next keyframe naturally, same as TCP clients.
const queueDepth = 4

// writeTimeout bounds one WebSocket write so a dead browser cannot pin its
// writer goroutine.
const writeTimeout = 2 * time.Second

// Mirror serves the fallback viewer.
type Mirror struct {
	wsAddr   string
	httpAddr string
	width    int
	height   int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[uint64]*wsClient
	nextID  uint64
	dropped uint64

	wsSrv   *http.Server
	httpSrv *http.Server
	wsLn    net.Listener
	httpLn  net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	sendQ chan []byte
	once  sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.sendQ)
		c.conn.Close()
	})
}

// New creates a mirror serving WebSocket frames on wsAddr and the viewer
// page on httpAddr. The session geometry is baked into the page so the
// browser can size its canvas before the first keyframe.
func New(wsAddr, httpAddr string, width, height int) *Mirror {
	return &Mirror{
		wsAddr:   wsAddr,
		httpAddr: httpAddr,
		width:    width,
		height:   height,
		upgrader: websocket.Upgrader{
			// The viewer page is served from a different port, so the
			// browser's Origin never matches; the link is local-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[uint64]*wsClient),
	}
}

// Start binds both listeners.
func (m *Mirror) Start() error {
	wsLn, err := net.Listen("tcp", m.wsAddr)
	if err != nil {
		return fmt.Errorf("webmirror: listen ws %s: %w", m.wsAddr, err)
	}
	httpLn, err := net.Listen("tcp", m.httpAddr)
	if err != nil {
		wsLn.Close()
		return fmt.Errorf("webmirror: listen http %s: %w", m.httpAddr, err)
	}
	m.wsLn, m.httpLn = wsLn, httpLn

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/stream", m.handleWS)
	m.wsSrv = &http.Server{Handler: wsMux}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/", m.handleIndex)
	m.httpSrv = &http.Server{Handler: httpMux}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.wsSrv.Serve(wsLn)
	}()
	go func() {
		defer m.wg.Done()
		m.httpSrv.Serve(httpLn)
	}()

	log.Info("browser fallback viewer started",
		"ws", wsLn.Addr().String(),
		"http", httpLn.Addr().String(),
	)
	return nil
}

// Stop closes both servers and all browser connections.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if m.wsSrv != nil {
			m.wsSrv.Shutdown(ctx)
		}
		if m.httpSrv != nil {
			m.httpSrv.Shutdown(ctx)
		}

		m.mu.Lock()
		conns := make([]*wsClient, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.conns = make(map[uint64]*wsClient)
		m.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
		m.wg.Wait()
	})
}

// MirrorFrame enqueues a frame packet on every browser connection without
// blocking. Implements the pipeline's Mirror interface.
func (m *Mirror) MirrorFrame(pkt []byte, keyframe bool, seq uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conns {
		select {
		case c.sendQ <- pkt:
		default:
			m.dropped++
		}
	}
}

// ClientCount returns the number of connected browsers.
func (m *Mirror) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Mirror) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, sendQ: make(chan []byte, queueDepth)}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.conns[id] = c
	count := len(m.conns)
	m.mu.Unlock()

	log.Info("browser connected", "remote", conn.RemoteAddr().String(), "browsers", count)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.writeLoop(c)
		m.remove(id, c)
	}()
	go func() {
		defer m.wg.Done()
		// Drain (and discard) client messages so pings/closes are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.remove(id, c)
				return
			}
		}
	}()
}

func (m *Mirror) writeLoop(c *wsClient) {
	for pkt := range c.sendQ {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
			return
		}
	}
}

func (m *Mirror) remove(id uint64, c *wsClient) {
	m.mu.Lock()
	_, present := m.conns[id]
	delete(m.conns, id)
	count := len(m.conns)
	m.mu.Unlock()

	c.close()
	if present {
		log.Info("browser disconnected", "browsers", count)
	}
}

func (m *Mirror) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	wsPort := "8890"
	if m.wsLn != nil {
		if _, port, err := net.SplitHostPort(m.wsLn.Addr().String()); err == nil {
			wsPort = port
		}
	}
	page := strings.NewReplacer(
		"{{WIDTH}}", strconv.Itoa(m.width),
		"{{HEIGHT}}", strconv.Itoa(m.height),
		"{{WSPORT}}", wsPort,
	).Replace(viewerPage)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, page)
}
