// Package pulse implements push-to-record screen capture with bounded start
// latency.
//
// The package captures a live screen (and optionally microphone) stream via
// GStreamer and muxes it into a finalized, seekable MP4 file. The expensive
// native setup (building and prerolling the capture pipeline) is paid ahead
// of the user's action by a pre-initialization scheme, so that the time from
// the start trigger to the first captured frame stays within a small SLA.
//
// # Quick Start
//
//	coord, err := pulse.NewCoordinator(pulse.CoordinatorConfig{
//	    OutputDir: "/tmp/clips",
//	    Recording: pulse.RecordingConfig{FPS: 30, Quality: 80},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Close()
//
//	coord.PreInitialize()           // background, takes seconds
//	// ... later, on the user's trigger:
//	if err := coord.TriggerStart(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	// ... user releases the trigger:
//	res, err := coord.TriggerStop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("saved %s (%.2fs)", res.Path, res.Duration)
//
// # Architecture
//
//   - FrameSource: delivers raw RGB frames while active. ScreenSource is the
//     GStreamer implementation; Open prerolls the pipeline to PAUSED (slow),
//     Start flips it to PLAYING (fast).
//   - Encoder: converts the frame stream into H.264 packets and muxes them
//     into an MP4 container, draining encoder-internal buffering on stop.
//   - CaptureSession: owns one FrameSource and one Encoder and enforces the
//     recording state machine. Sessions are single-use.
//   - Coordinator: pre-initializes sessions ahead of time, routes start/stop
//     triggers to the fast or slow path, tears idle sessions down, and
//     guarantees at most one active recording.
//
// GStreamer (gstreamer1.0 runtime with the x264 and isomp4 plugins) is
// required at runtime. Unit tests run against fakes and do not need it.
package pulse
