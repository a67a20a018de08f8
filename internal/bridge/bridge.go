// Package bridge manages the USB link to the device via adb: the reverse
// tunnel that forwards the device's frame port to the host, and the two
// device settings (brightness, amber rate) read at session start to seed
// the display state. A failed bridge is not fatal — the stream still works
// over WiFi with the port exposed directly.
package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/daylight-mirror/host/internal/display"
	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("bridge")

// Device-side setting names.
const (
	settingBrightness = "screen_brightness"
	settingAmberRate  = "screen_brightness_amber_rate"
)

// commandTimeout bounds each adb invocation; a wedged adb server must not
// hang session start.
const commandTimeout = 5 * time.Second

// Bridge shells out to adb for tunnel and settings access.
type Bridge struct {
	adbPath string
	serial  string
}

// New creates a bridge using the given adb binary. serial selects a device
// when several are attached; empty lets adb pick.
func New(adbPath, serial string) *Bridge {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Bridge{adbPath: adbPath, serial: serial}
}

// SetupTunnel establishes the reverse forward device:port → host:port.
func (b *Bridge) SetupTunnel(ctx context.Context, port int) error {
	forward := fmt.Sprintf("tcp:%d", port)
	if _, err := b.run(ctx, "reverse", forward, forward); err != nil {
		return fmt.Errorf("bridge: reverse tunnel: %w", err)
	}
	log.Info("reverse tunnel established", "port", port)
	return nil
}

// TeardownTunnel removes the reverse forward. Safe to call when no tunnel
// exists.
func (b *Bridge) TeardownTunnel(ctx context.Context, port int) {
	if _, err := b.run(ctx, "reverse", "--remove", fmt.Sprintf("tcp:%d", port)); err != nil {
		log.Debug("tunnel teardown", "error", err)
	}
}

// InitialDisplayState reads the device's brightness and amber rate so the
// host-side display controller starts from reality rather than defaults.
func (b *Bridge) InitialDisplayState(ctx context.Context) (display.State, error) {
	var st display.State

	brightness, err := b.getSetting(ctx, settingBrightness)
	if err != nil {
		return st, err
	}
	amber, err := b.getSetting(ctx, settingAmberRate)
	if err != nil {
		return st, err
	}

	st.Brightness = brightness
	st.Warmth = amber
	st.BacklightOn = brightness > 0
	st.SavedBrightness = brightness
	if st.SavedBrightness < 1 {
		st.SavedBrightness = 128
	}
	return st, nil
}

// WriteBrightness pushes a brightness value into the device settings store.
// Session start only reads the settings and does not call it.
func (b *Bridge) WriteBrightness(ctx context.Context, v int) error {
	return b.putSetting(ctx, settingBrightness, v)
}

// WriteAmberRate pushes an amber-rate value into the device settings store.
func (b *Bridge) WriteAmberRate(ctx context.Context, v int) error {
	return b.putSetting(ctx, settingAmberRate, v)
}

func (b *Bridge) getSetting(ctx context.Context, name string) (int, error) {
	out, err := b.run(ctx, "shell", "settings", "get", "system", name)
	if err != nil {
		return 0, fmt.Errorf("bridge: get %s: %w", name, err)
	}
	s := strings.TrimSpace(out)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("bridge: setting %s is unset", name)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bridge: setting %s: unexpected value %q", name, s)
	}
	return v, nil
}

func (b *Bridge) putSetting(ctx context.Context, name string, v int) error {
	if _, err := b.run(ctx, "shell", "settings", "put", "system", name, strconv.Itoa(v)); err != nil {
		return fmt.Errorf("bridge: put %s: %w", name, err)
	}
	return nil
}

func (b *Bridge) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := args
	if b.serial != "" {
		full = append([]string{"-s", b.serial}, args...)
	}
	out, err := exec.CommandContext(ctx, b.adbPath, full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w (%s)", b.adbPath, strings.Join(full, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
