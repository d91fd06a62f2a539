// Package encode wraps the GStreamer elements that turn raw captured media
// into an MP4 file. It exposes three pieces: an H.264 video encoder, an AAC
// audio encoder, and a muxing file writer. All three are appsrc/appsink
// pipelines driven by the caller; none of them touch the capture pipelines.
package encode

import (
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// Packet is one encoded unit (a video access unit or an audio frame) as
// produced by an encoder pipeline.
type Packet struct {
	Data     []byte
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Keyframe bool
}

// packetFromBuffer copies an encoded buffer out of GStreamer ownership.
func packetFromBuffer(buffer *gst.Buffer) Packet {
	mapInfo := buffer.Map(gst.MapRead)
	src := mapInfo.Bytes()
	data := make([]byte, len(src))
	copy(data, src)
	buffer.Unmap()

	return Packet{
		Data:     data,
		PTS:      buffer.PresentationTimestamp(),
		DTS:      buffer.DecodingTimestamp(),
		Duration: buffer.Duration(),
		Keyframe: buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0,
	}
}

// waitForEOS blocks until the pipeline posts EOS on its bus, or fails, or
// the timeout elapses. Encoders and the writer use it to confirm a drain.
func waitForEOS(pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for EOS after %s", timeout)
		}

		msg := bus.TimedPop(remaining)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error during drain: %s", gerr.Error())
		}
	}
}
