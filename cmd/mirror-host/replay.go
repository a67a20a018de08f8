package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daylight-mirror/host/internal/config"
	"github.com/daylight-mirror/host/internal/events"
	"github.com/daylight-mirror/host/internal/protocol"
	"github.com/daylight-mirror/host/internal/record"
	"github.com/daylight-mirror/host/internal/server"
)

// runReplay serves a recorded session to connected clients at the recorded
// cadence. Keyframes refresh the server's cache as they pass, so clients
// joining mid-replay still get a decodable start.
func runReplay(path string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	initLogging(cfg)

	reader, err := record.NewReader(path)
	if err != nil {
		log.Error("cannot open recording", "path", path, "error", err)
		os.Exit(1)
	}
	defer reader.Close()

	bus := events.NewBus()
	srv := server.New(server.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		SendQueueDepth: cfg.SendQueueDepth,
		FrameInterval:  time.Second / time.Duration(cfg.TargetFPS),
	}, bus)
	if err := srv.Start(); err != nil {
		log.Error("listener start failed", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	log.Info("replaying recording", "path", path, "addr", srv.Addr().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	dec := protocol.NewDecoder()
	var prevTS time.Time
	var packets uint64

	for {
		pkt, ts, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("replay finished", "packets", packets)
				return
			}
			log.Error("replay read failed", "error", err)
			return
		}

		// Reproduce the recorded pacing from the timestamp gaps.
		if !prevTS.IsZero() {
			gap := ts.Sub(prevTS)
			if gap > 0 && gap < time.Second {
				select {
				case <-time.After(gap):
				case <-sig:
					log.Info("replay interrupted", "packets", packets)
					return
				}
			}
		}
		prevTS = ts

		// Re-parse the packet to recover seq and the keyframe flag for the
		// server's cache bookkeeping. Commands pass through unchanged.
		dec.Write(pkt)
		parsed, ok := dec.Next()
		if !ok {
			log.Warn("skipping malformed recorded packet")
			continue
		}
		switch p := parsed.(type) {
		case protocol.Frame:
			srv.Broadcast(pkt, p.Keyframe(), p.Seq, time.Now())
		case protocol.Command:
			srv.SendCommand(p.Cmd, p.Value)
		}
		packets++
	}
}
