// Package display tracks the device display state (brightness, warmth,
// backlight, resolution preset) and emits the matching command packets.
// Observers learn of changes through the event bus, whether or not a
// client is connected to receive the command.
package display

import (
	"sync"

	"github.com/daylight-mirror/host/internal/events"
	"github.com/daylight-mirror/host/internal/logging"
	"github.com/daylight-mirror/host/internal/protocol"
)

var log = logging.L("display")

// Preset identifies a device resolution preset carried by the resolution
// command. Receipt is advisory on the device side; the running session's
// geometry never changes.
type Preset byte

const (
	PresetCozy        Preset = 0x00 // 800×600 HiDPI
	PresetComfortable Preset = 0x01 // 1024×768
	PresetBalanced    Preset = 0x02 // 1280×960
	PresetSharp       Preset = 0x03 // 1600×1200
)

// Size returns the pixel dimensions of the preset.
func (p Preset) Size() (w, h int) {
	switch p {
	case PresetCozy:
		return 800, 600
	case PresetComfortable:
		return 1024, 768
	case PresetBalanced:
		return 1280, 960
	case PresetSharp:
		return 1600, 1200
	default:
		return 0, 0
	}
}

func (p Preset) String() string {
	switch p {
	case PresetCozy:
		return "cozy"
	case PresetComfortable:
		return "comfortable"
	case PresetBalanced:
		return "balanced"
	case PresetSharp:
		return "sharp"
	default:
		return "unknown"
	}
}

// State is a snapshot of the display parameters. Invariants: BacklightOn
// iff Brightness > 0, and SavedBrightness >= 1 always.
type State struct {
	Brightness      int
	Warmth          int
	BacklightOn     bool
	SavedBrightness int
	Resolution      Preset
}

// SendFunc delivers an encoded command to connected clients. The fan-out
// server's SendCommand satisfies it.
type SendFunc func(cmd, value byte)

// Controller owns the display state machine. All methods clamp their
// arguments into [0,255] and are safe for concurrent use. SendFunc must
// not call back into the controller.
type Controller struct {
	send SendFunc
	bus  *events.Bus

	mu    sync.Mutex
	state State
}

// New creates a controller with the given initial state, normalized to the
// package invariants.
func New(initial State, send SendFunc, bus *events.Bus) *Controller {
	initial.Brightness = clamp(initial.Brightness)
	initial.Warmth = clamp(initial.Warmth)
	if initial.SavedBrightness < 1 {
		initial.SavedBrightness = 128
	}
	if initial.SavedBrightness > 255 {
		initial.SavedBrightness = 255
	}
	initial.BacklightOn = initial.Brightness > 0

	return &Controller{
		send:  send,
		bus:   bus,
		state: initial,
	}
}

// State returns a copy of the current display state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetBrightness clamps v into [0,255], updates state and emits a
// brightness command. Zero turns the backlight off without touching the
// saved brightness; any value >= 1 becomes the new saved brightness.
func (c *Controller) SetBrightness(v int) {
	v = clamp(v)

	c.mu.Lock()
	c.state.Brightness = v
	if v >= 1 {
		c.state.SavedBrightness = v
		c.state.BacklightOn = true
	} else {
		c.state.BacklightOn = false
	}
	backlight := c.state.BacklightOn
	c.mu.Unlock()

	c.send(protocol.CmdBrightness, byte(v))
	c.bus.Publish(events.Event{Kind: events.KindBrightness, Value: v})
	c.bus.Publish(events.Event{Kind: events.KindBacklight, Value: boolVal(backlight)})
	log.Debug("brightness set", "value", v, "backlightOn", backlight)
}

// SetWarmth clamps v into [0,255] and emits a warmth command. The device
// maps the value linearly onto its amber rate.
func (c *Controller) SetWarmth(v int) {
	v = clamp(v)

	c.mu.Lock()
	c.state.Warmth = v
	c.mu.Unlock()

	c.send(protocol.CmdWarmth, byte(v))
	c.bus.Publish(events.Event{Kind: events.KindWarmth, Value: v})
	log.Debug("warmth set", "value", v)
}

// ToggleBacklight flips the backlight by driving brightness: off stores the
// current brightness (floored to 1) and emits brightness 0; on restores the
// saved value.
func (c *Controller) ToggleBacklight() {
	c.mu.Lock()
	var target int
	if c.state.BacklightOn {
		saved := c.state.Brightness
		if saved < 1 {
			saved = 1
		}
		c.state.SavedBrightness = saved
		c.state.Brightness = 0
		c.state.BacklightOn = false
		target = 0
	} else {
		target = c.state.SavedBrightness
		c.state.Brightness = target
		c.state.BacklightOn = true
	}
	c.mu.Unlock()

	c.send(protocol.CmdBrightness, byte(target))
	c.bus.Publish(events.Event{Kind: events.KindBrightness, Value: target})
	c.bus.Publish(events.Event{Kind: events.KindBacklight, Value: boolVal(target > 0)})
	log.Debug("backlight toggled", "brightness", target)
}

// SetResolution records the preset and emits a resolution command. The
// device treats it as advisory; switching the session geometry is a
// restart, not a live change.
func (c *Controller) SetResolution(p Preset) {
	c.mu.Lock()
	c.state.Resolution = p
	c.mu.Unlock()

	c.send(protocol.CmdResolution, byte(p))
	c.bus.Publish(events.Event{Kind: events.KindResolution, Value: int(p)})
	log.Info("resolution preset selected", "preset", p.String())
}

// ApplyRemote folds a device-originated command (hardware brightness keys,
// for instance) into the host-side state without echoing a command back.
// Observers are notified exactly as for host-originated changes.
func (c *Controller) ApplyRemote(cmd protocol.Command) {
	v := int(cmd.Value)
	switch cmd.Cmd {
	case protocol.CmdBrightness:
		c.mu.Lock()
		c.state.Brightness = v
		if v >= 1 {
			c.state.SavedBrightness = v
			c.state.BacklightOn = true
		} else {
			c.state.BacklightOn = false
		}
		backlight := c.state.BacklightOn
		c.mu.Unlock()
		c.bus.Publish(events.Event{Kind: events.KindBrightness, Value: v})
		c.bus.Publish(events.Event{Kind: events.KindBacklight, Value: boolVal(backlight)})
	case protocol.CmdWarmth:
		c.mu.Lock()
		c.state.Warmth = v
		c.mu.Unlock()
		c.bus.Publish(events.Event{Kind: events.KindWarmth, Value: v})
	default:
		log.Debug("ignoring device command", "cmd", cmd.Cmd, "value", v)
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func boolVal(b bool) int {
	if b {
		return 1
	}
	return 0
}
