package pulse

import "github.com/mieweb/pulse-desktop/internal/capture"

// Preflight verifies that the GStreamer installation has every element the
// recorder needs. Call it at startup to fail fast on missing plugins
// instead of failing mid-recording.
func Preflight(withAudio bool) error {
	return capture.CheckElements(withAudio)
}
