package webmirror

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daylight-mirror/host/internal/protocol"
)

func startTestMirror(t *testing.T) *Mirror {
	t.Helper()

	m := New("127.0.0.1:0", "127.0.0.1:0", 64, 48)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestBrowserReceivesMirroredFrames(t *testing.T) {
	m := startTestMirror(t)

	url := fmt.Sprintf("ws://%s/stream", m.wsLn.Addr().String())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ClientCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m.ClientCount() != 1 {
		t.Fatal("browser not registered")
	}

	pkt := protocol.EncodeFrame(3, true, []byte{9, 9, 9})
	m.MirrorFrame(pkt, true, 3)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", mt)
	}
	if !bytes.Equal(data, pkt) {
		t.Fatalf("frame mismatch: % X", data)
	}
}

func TestViewerPageServed(t *testing.T) {
	m := startTestMirror(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/", m.httpLn.Addr().String()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	page := string(body)

	if !strings.Contains(page, "width = 64; height = 48") {
		t.Error("page missing baked-in geometry")
	}
	if strings.Contains(page, "{{") {
		t.Error("page has unexpanded placeholders")
	}

	// Only the root path is served.
	resp2, err := http.Get(fmt.Sprintf("http://%s/other", m.httpLn.Addr().String()))
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for /other, got %d", resp2.StatusCode)
	}
}

func TestSlowBrowserDoesNotBlockMirror(t *testing.T) {
	m := startTestMirror(t)

	url := fmt.Sprintf("ws://%s/stream", m.wsLn.Addr().String())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Never read from the browser side; MirrorFrame must keep returning.
	pkt := protocol.EncodeFrame(0, false, bytes.Repeat([]byte{0xAB}, 512*1024))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.MirrorFrame(pkt, false, uint32(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("MirrorFrame blocked on a slow browser")
	}
}
