package pulse

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultFPS is the target frame rate used when none is configured.
	DefaultFPS = 30
	// DefaultQuality is the 0-100 quality used when none is configured.
	DefaultQuality = 80

	minFPS = 1
	maxFPS = 120
)

// CaptureRegion restricts capture to a sub-rectangle of the display.
// Width and height must be positive and even (H.264 4:2:0 chroma
// subsampling requires even dimensions).
type CaptureRegion struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Validate checks the region for geometry the encoder can accept.
func (r CaptureRegion) Validate() error {
	if r.X < 0 || r.Y < 0 {
		return &ConfigError{Field: "region", Reason: fmt.Sprintf("negative origin (%d,%d)", r.X, r.Y)}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return &ConfigError{Field: "region", Reason: fmt.Sprintf("non-positive size %dx%d", r.Width, r.Height)}
	}
	if r.Width%2 != 0 || r.Height%2 != 0 {
		return &ConfigError{Field: "region", Reason: fmt.Sprintf("odd dimensions %dx%d (4:2:0 needs even)", r.Width, r.Height)}
	}
	return nil
}

// RecordingConfig describes one recording. Immutable once a session has
// been constructed from it.
type RecordingConfig struct {
	// OutputPath is the MP4 file to produce.
	OutputPath string
	// FPS is the target frame rate (default 30).
	FPS int
	// Quality maps 0-100 monotonically onto the encoder bitrate
	// (default 80).
	Quality int
	// CaptureCursor embeds the mouse cursor into captured frames
	// (default true).
	CaptureCursor bool
	// DisplayID selects the display to capture (0 = primary).
	DisplayID int
	// Region restricts capture to a sub-rectangle (nil = full screen).
	Region *CaptureRegion
	// Microphone enables an audio stream in the output container.
	Microphone bool
	// MicrophoneDevice selects the capture device ("" = system default).
	MicrophoneDevice string
}

// DefaultRecordingConfig returns the standard recording setup: 30 fps,
// quality 80, cursor embedded, full primary screen.
func DefaultRecordingConfig(outputPath string) RecordingConfig {
	return RecordingConfig{
		OutputPath:    outputPath,
		FPS:           DefaultFPS,
		Quality:       DefaultQuality,
		CaptureCursor: true,
	}
}

// withDefaults fills zero values so validation and downstream components
// see a fully populated config.
func (c RecordingConfig) withDefaults() RecordingConfig {
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	if c.Quality == 0 {
		c.Quality = DefaultQuality
	}
	return c
}

// Validate fails fast on configuration a session could not record with.
func (c RecordingConfig) Validate() error {
	if strings.TrimSpace(c.OutputPath) == "" {
		return &ConfigError{Field: "output_path", Reason: "is required"}
	}
	if ext := strings.ToLower(filepath.Ext(c.OutputPath)); ext != ".mp4" && ext != ".m4v" && ext != ".mov" {
		return &ConfigError{Field: "output_path", Reason: fmt.Sprintf("unsupported container extension %q", ext)}
	}
	if c.FPS < minFPS || c.FPS > maxFPS {
		return &ConfigError{Field: "fps", Reason: fmt.Sprintf("%d out of range %d-%d", c.FPS, minFPS, maxFPS)}
	}
	if c.Quality < 0 || c.Quality > 100 {
		return &ConfigError{Field: "quality", Reason: fmt.Sprintf("%d out of range 0-100", c.Quality)}
	}
	if c.DisplayID < 0 {
		return &ConfigError{Field: "display_id", Reason: fmt.Sprintf("%d is negative", c.DisplayID)}
	}
	if c.Region != nil {
		if err := c.Region.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FrameInterval is the nominal time between frames at the configured rate.
func (c RecordingConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}
