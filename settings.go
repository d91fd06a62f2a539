package pulse

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the user-facing YAML configuration for the recorder.
type Settings struct {
	OutputDir        string `yaml:"output_dir"`
	FPS              int    `yaml:"fps"`
	Quality          int    `yaml:"quality"`
	CaptureCursor    bool   `yaml:"capture_cursor"`
	Display          int    `yaml:"display"`
	Microphone       bool   `yaml:"microphone"`
	MicrophoneDevice string `yaml:"microphone_device"`
	IdleTimeoutMins  int    `yaml:"idle_timeout_mins"`
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
}

// DefaultSettings returns the settings used when no file or overrides are
// present.
func DefaultSettings() Settings {
	outputDir := "recordings"
	if home, err := os.UserHomeDir(); err == nil {
		outputDir = filepath.Join(home, "Videos", "Pulse")
	}
	return Settings{
		OutputDir:       outputDir,
		FPS:             DefaultFPS,
		Quality:         DefaultQuality,
		CaptureCursor:   true,
		IdleTimeoutMins: 10,
		LogLevel:        "info",
	}
}

// LoadSettings reads YAML settings from path, falling back to defaults
// when the file does not exist, then applies PULSE_* environment
// overrides. An empty path skips the file entirely.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Debug("settings: file not found, using defaults", "path", path)
		case err != nil:
			return Settings{}, &IOError{Path: path, Err: err}
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, &ConfigError{
					Field:  "settings",
					Reason: fmt.Sprintf("cannot parse %s: %v", path, err),
				}
			}
			slog.Info("settings: loaded", "path", path)
		}
	}

	s.applyEnv()
	return s, nil
}

// applyEnv overlays PULSE_* environment variables. Unparseable values are
// ignored with a warning rather than failing startup.
func (s *Settings) applyEnv() {
	if v := os.Getenv("PULSE_OUTPUT_DIR"); v != "" {
		s.OutputDir = v
	}
	if v := os.Getenv("PULSE_MICROPHONE_DEVICE"); v != "" {
		s.MicrophoneDevice = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("PULSE_LOG_FILE"); v != "" {
		s.LogFile = v
	}

	envInt("PULSE_FPS", &s.FPS)
	envInt("PULSE_QUALITY", &s.Quality)
	envInt("PULSE_DISPLAY", &s.Display)
	envInt("PULSE_IDLE_TIMEOUT_MINS", &s.IdleTimeoutMins)
	envBool("PULSE_CAPTURE_CURSOR", &s.CaptureCursor)
	envBool("PULSE_MICROPHONE", &s.Microphone)
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("settings: ignoring invalid env override", "var", name, "value", v)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("settings: ignoring invalid env override", "var", name, "value", v)
		return
	}
	*dst = b
}

// CoordinatorConfig maps the settings onto a coordinator configuration.
func (s Settings) CoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		OutputDir: s.OutputDir,
		Recording: RecordingConfig{
			FPS:              s.FPS,
			Quality:          s.Quality,
			CaptureCursor:    s.CaptureCursor,
			DisplayID:        s.Display,
			Microphone:       s.Microphone,
			MicrophoneDevice: s.MicrophoneDevice,
		},
		IdleTimeout: time.Duration(s.IdleTimeoutMins) * time.Minute,
	}
}
