// Package config loads and validates the mirror host configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("config")

type Config struct {
	// Stream geometry and cadence.
	Width            int `mapstructure:"width"`
	Height           int `mapstructure:"height"`
	TargetFPS        int `mapstructure:"target_fps"`
	KeyframeInterval int `mapstructure:"keyframe_interval"`

	// Frame protocol listener.
	Port           int `mapstructure:"port"`
	SendQueueDepth int `mapstructure:"send_queue_depth"`

	// Backpressure tuning.
	SkipStreakKeyframe int `mapstructure:"skip_streak_keyframe"`

	// Capture source: "testpattern" or a platform source name.
	Source string `mapstructure:"source"`

	// Device bridge (adb reverse tunnel + display settings).
	BridgeEnabled bool   `mapstructure:"bridge_enabled"`
	AdbPath       string `mapstructure:"adb_path"`
	DeviceSerial  string `mapstructure:"device_serial"`

	// Session recording. Empty disables recording.
	RecordPath string `mapstructure:"record_path"`

	// Browser fallback viewer.
	WebMirrorEnabled bool `mapstructure:"web_mirror_enabled"`
	WebSocketPort    int  `mapstructure:"web_socket_port"`
	WebHTTPPort      int  `mapstructure:"web_http_port"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		Width:            1600,
		Height:           1200,
		TargetFPS:        60,
		KeyframeInterval: 30,

		Port:           8888,
		SendQueueDepth: 4,

		SkipStreakKeyframe: 4,

		Source: "testpattern",

		AdbPath: "adb",

		WebSocketPort: 8890,
		WebHTTPPort:   8891,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mirror")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MIRROR")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	for _, err := range cfg.Validate() {
		log.Warn("config validation", "error", err)
	}

	return cfg, nil
}

// Save writes the streaming parameters back to the config file so they
// survive restarts (resolution presets picked in a session, ports, source).
func Save(cfg *Config, cfgFile string) error {
	viper.Set("width", cfg.Width)
	viper.Set("height", cfg.Height)
	viper.Set("target_fps", cfg.TargetFPS)
	viper.Set("keyframe_interval", cfg.KeyframeInterval)
	viper.Set("port", cfg.Port)
	viper.Set("source", cfg.Source)
	viper.Set("bridge_enabled", cfg.BridgeEnabled)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "mirror.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	return viper.WriteConfigAs(cfgPath)
}

func configDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "DaylightMirror")
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DaylightMirror")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "daylight-mirror")
	}
}
