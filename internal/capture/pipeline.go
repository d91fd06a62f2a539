// Package capture builds and drives the GStreamer screen-capture pipeline.
package capture

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Region restricts capture to a sub-rectangle of the display.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// PipelineConfig contains configuration for screen pipeline creation.
type PipelineConfig struct {
	FPS       int
	DisplayID int
	Cursor    bool
	Region    *Region
}

// PipelineElements holds references to the pipeline elements needed for
// lifecycle control and cleanup.
type PipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	Source     *gst.Element
	CapsFilter *gst.Element
}

// CreatePipeline creates and configures a GStreamer pipeline for screen
// capture.
//
// Pipeline structure:
//
//	<screen source> [→ videocrop] → videoconvert → videorate →
//	capsfilter(RGB, fps) → appsink
//
// The screen source element is selected per platform: ximagesrc on Linux,
// avfvideosrc on macOS, d3d11screencapturesrc on Windows. The pipeline is
// configured but NOT started (state remains NULL); the caller prerolls it
// with SetState(gst.StatePaused) and later flips it to PLAYING.
func CreatePipeline(cfg PipelineConfig) (*PipelineElements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	source, cropNeeded, err := newScreenSourceElement(cfg)
	if err != nil {
		return nil, err
	}

	var crop *gst.Element
	if cropNeeded && cfg.Region != nil {
		// Source element cannot crop natively; cut the region out of the
		// full-screen stream instead.
		crop, err = gst.NewElement("videocrop")
		if err != nil {
			return nil, fmt.Errorf("failed to create videocrop: %w", err)
		}
		crop.SetProperty("left", cfg.Region.X)
		crop.SetProperty("top", cfg.Region.Y)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)     // never duplicate frames
	videorate.SetProperty("skip-to-first", true) // no lead-in padding

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := buildCaptureCaps(cfg)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false) // deliver as fast as captured
	// Small queue so a brief encoder stall does not immediately discard
	// frames; overflow is handled (and counted) at the callback layer.
	appsink.SetProperty("max-buffers", 8)
	appsink.SetProperty("drop", false)

	elements := []*gst.Element{source}
	if crop != nil {
		elements = append(elements, crop)
	}
	elements = append(elements, converter, videorate, capsfilter, appsink.Element)

	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add capture elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link capture elements: %w", err)
	}

	slog.Info("capture: screen pipeline created",
		"source", source.GetFactory().GetName(),
		"fps", cfg.FPS,
		"cursor", cfg.Cursor,
		"region", cfg.Region != nil,
	)

	return &PipelineElements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		Source:     source,
		CapsFilter: capsfilter,
	}, nil
}

// newScreenSourceElement selects and configures the platform screen source.
// The second return value reports whether region cropping must be done with
// a downstream videocrop element.
func newScreenSourceElement(cfg PipelineConfig) (*gst.Element, bool, error) {
	switch runtime.GOOS {
	case "darwin":
		src, err := gst.NewElement("avfvideosrc")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create avfvideosrc: %w", err)
		}
		src.SetProperty("capture-screen", true)
		src.SetProperty("capture-screen-cursor", cfg.Cursor)
		src.SetProperty("device-index", cfg.DisplayID)
		return src, true, nil

	case "windows":
		src, err := gst.NewElement("d3d11screencapturesrc")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create d3d11screencapturesrc: %w", err)
		}
		src.SetProperty("show-cursor", cfg.Cursor)
		src.SetProperty("monitor-index", cfg.DisplayID)
		return src, true, nil

	default:
		src, err := gst.NewElement("ximagesrc")
		if err != nil {
			return nil, false, fmt.Errorf("failed to create ximagesrc: %w", err)
		}
		src.SetProperty("use-damage", false) // full frames at a steady rate
		src.SetProperty("show-pointer", cfg.Cursor)
		if cfg.DisplayID > 0 {
			src.SetProperty("display-name", fmt.Sprintf(":0.%d", cfg.DisplayID))
		}
		if r := cfg.Region; r != nil {
			// ximagesrc crops natively; endx/endy are inclusive.
			src.SetProperty("startx", uint(r.X))
			src.SetProperty("starty", uint(r.Y))
			src.SetProperty("endx", uint(r.X+r.Width-1))
			src.SetProperty("endy", uint(r.Y+r.Height-1))
		}
		return src, false, nil
	}
}

// buildCaptureCaps builds the caps string locking pixel format and frame
// rate at the appsink boundary. Dimensions are left open unless a region is
// configured; the native screen size is discovered from the first sample.
func buildCaptureCaps(cfg PipelineConfig) string {
	if r := cfg.Region; r != nil {
		return fmt.Sprintf(
			"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
			r.Width, r.Height, cfg.FPS,
		)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,framerate=%d/1", cfg.FPS)
}

// DestroyPipeline sets the pipeline to NULL and releases all resources.
// Safe to call on an already destroyed pipeline.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
