package config

import (
	"fmt"
	"strings"
)

// Resolutions the device renderer accepts. Any other positive geometry is
// reported at validation time but kept as configured.
var knownResolutions = map[[2]int]bool{
	{800, 600}:   true,
	{1024, 768}:  true,
	{1280, 960}:  true,
	{1600, 1200}: true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the pipeline are clamped to safe
// defaults; other findings are reported so the caller can log them.
func (c *Config) Validate() []error {
	var errs []error

	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution %dx%d is invalid, using 1600x1200", c.Width, c.Height))
		c.Width, c.Height = 1600, 1200
	}
	if !knownResolutions[[2]int{c.Width, c.Height}] {
		errs = append(errs, fmt.Errorf("resolution %dx%d is not a device preset", c.Width, c.Height))
	}

	if c.TargetFPS < 1 || c.TargetFPS > 120 {
		errs = append(errs, fmt.Errorf("target_fps %d out of range [1,120], using 60", c.TargetFPS))
		c.TargetFPS = 60
	}

	if c.KeyframeInterval < 1 {
		errs = append(errs, fmt.Errorf("keyframe_interval %d must be >= 1, using 30", c.KeyframeInterval))
		c.KeyframeInterval = 30
	}

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range, using 8888", c.Port))
		c.Port = 8888
	}

	if c.SendQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("send_queue_depth %d must be >= 1, using 4", c.SendQueueDepth))
		c.SendQueueDepth = 4
	}

	if c.SkipStreakKeyframe < 1 {
		errs = append(errs, fmt.Errorf("skip_streak_keyframe %d must be >= 1, using 4", c.SkipStreakKeyframe))
		c.SkipStreakKeyframe = 4
	}

	if c.WebMirrorEnabled {
		if c.WebSocketPort < 1 || c.WebSocketPort > 65535 {
			errs = append(errs, fmt.Errorf("web_socket_port %d out of range, using 8890", c.WebSocketPort))
			c.WebSocketPort = 8890
		}
		if c.WebHTTPPort < 1 || c.WebHTTPPort > 65535 {
			errs = append(errs, fmt.Errorf("web_http_port %d out of range, using 8891", c.WebHTTPPort))
			c.WebHTTPPort = 8891
		}
		if c.WebSocketPort == c.Port || c.WebHTTPPort == c.Port {
			errs = append(errs, fmt.Errorf("web mirror ports must differ from frame port %d", c.Port))
			c.WebSocketPort, c.WebHTTPPort = 8890, 8891
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not recognized, using info", c.LogLevel))
		c.LogLevel = "info"
	}

	return errs
}
