package capture

import (
	"fmt"
	"runtime"

	"github.com/tinyzimmer/go-gst/gst"
)

// screenSourceName returns the element the current platform records with.
func screenSourceName() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfvideosrc"
	case "windows":
		return "d3d11screencapturesrc"
	default:
		return "ximagesrc"
	}
}

// CheckElements verifies that every GStreamer element the recorder needs
// can be created. This is the fail-fast probe run at startup and by the
// CLI check command; a missing element here means a missing plugin
// package, which is far easier to diagnose than a mid-recording pipeline
// error.
func CheckElements(withAudio bool) error {
	gst.Init(nil)

	needed := []string{
		screenSourceName(),
		"videoconvert",
		"videorate",
		"videocrop",
		"x264enc",
		"h264parse",
		"mp4mux",
		"filesink",
	}
	if withAudio {
		needed = append(needed,
			"autoaudiosrc",
			"audioconvert",
			"audioresample",
			"avenc_aac",
			"aacparse",
		)
	}

	for _, name := range needed {
		elem, err := gst.NewElement(name)
		if err != nil {
			return fmt.Errorf("element %q not available (missing GStreamer plugin): %w", name, err)
		}
		elem.SetState(gst.StateNull)
	}
	return nil
}
