package pulse

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.FPS != DefaultFPS {
		t.Errorf("FPS = %d, want %d", s.FPS, DefaultFPS)
	}
	if s.Quality != DefaultQuality {
		t.Errorf("Quality = %d, want %d", s.Quality, DefaultQuality)
	}
	if !s.CaptureCursor {
		t.Error("CaptureCursor = false, want true by default")
	}
	if s.IdleTimeoutMins != 10 {
		t.Errorf("IdleTimeoutMins = %d, want 10", s.IdleTimeoutMins)
	}
}

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings on missing file: %v", err)
	}
	if s.FPS != DefaultFPS {
		t.Errorf("FPS = %d, want default %d", s.FPS, DefaultFPS)
	}
}

func TestLoadSettings_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	content := `
output_dir: /tmp/clips
fps: 60
quality: 55
capture_cursor: false
microphone: true
microphone_device: hw:1
idle_timeout_mins: 5
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.OutputDir != "/tmp/clips" {
		t.Errorf("OutputDir = %q", s.OutputDir)
	}
	if s.FPS != 60 || s.Quality != 55 {
		t.Errorf("fps/quality = %d/%d, want 60/55", s.FPS, s.Quality)
	}
	if s.CaptureCursor {
		t.Error("CaptureCursor = true, want false")
	}
	if !s.Microphone || s.MicrophoneDevice != "hw:1" {
		t.Errorf("microphone = %v/%q", s.Microphone, s.MicrophoneDevice)
	}
	if s.IdleTimeoutMins != 5 {
		t.Errorf("IdleTimeoutMins = %d, want 5", s.IdleTimeoutMins)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", s.LogLevel)
	}
}

func TestLoadSettings_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte("fps: [not an int"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("LoadSettings accepted malformed YAML")
	}
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	t.Setenv("PULSE_OUTPUT_DIR", "/tmp/env-clips")
	t.Setenv("PULSE_FPS", "24")
	t.Setenv("PULSE_MICROPHONE", "true")
	t.Setenv("PULSE_QUALITY", "not-a-number") // ignored with a warning

	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.OutputDir != "/tmp/env-clips" {
		t.Errorf("OutputDir = %q, want env override", s.OutputDir)
	}
	if s.FPS != 24 {
		t.Errorf("FPS = %d, want 24", s.FPS)
	}
	if !s.Microphone {
		t.Error("Microphone = false, want env override true")
	}
	if s.Quality != DefaultQuality {
		t.Errorf("Quality = %d, want default (invalid override ignored)", s.Quality)
	}
}

func TestSettings_CoordinatorConfig(t *testing.T) {
	s := Settings{
		OutputDir:       "/tmp/clips",
		FPS:             60,
		Quality:         70,
		CaptureCursor:   true,
		Display:         1,
		Microphone:      true,
		IdleTimeoutMins: 5,
	}

	cfg := s.CoordinatorConfig()
	if cfg.OutputDir != "/tmp/clips" {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.Recording.FPS != 60 || cfg.Recording.Quality != 70 {
		t.Errorf("recording fps/quality = %d/%d", cfg.Recording.FPS, cfg.Recording.Quality)
	}
	if cfg.Recording.DisplayID != 1 {
		t.Errorf("DisplayID = %d, want 1", cfg.Recording.DisplayID)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
}
