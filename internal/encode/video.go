package encode

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// drainTimeout bounds how long a flush waits for the codec to emit its
// remaining packets.
const drainTimeout = 10 * time.Second

// VideoConfig describes the raw frames fed to the H.264 encoder.
type VideoConfig struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps uint
}

// VideoEncoder encodes raw RGB frames to H.264 access units.
//
// Pipeline structure:
//
//	appsrc(RGB) → videoconvert → capsfilter(I420) → x264enc →
//	h264parse → appsink
//
// The appsrc blocks when the codec is busy, so Encode applies natural
// backpressure to the caller. B-frames are disabled so PTS equals DTS and
// packets come out in presentation order.
type VideoEncoder struct {
	pipeline *gst.Pipeline
	src      *app.Source

	packets chan Packet
	eos     chan struct{}
	stopped chan struct{}
}

// NewVideoEncoder creates and starts an H.264 encoding pipeline.
func NewVideoEncoder(cfg VideoConfig) (*VideoEncoder, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create encode pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		cfg.Width, cfg.Height, cfg.FPS,
	)))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("block", true)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=I420"))

	x264, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, fmt.Errorf("failed to create x264enc: %w", err)
	}
	x264.SetProperty("bitrate", cfg.BitrateKbps)
	x264.SetProperty("bframes", uint(0))
	// One keyframe every two seconds keeps seeking usable without
	// inflating the file.
	x264.SetProperty("key-int-max", uint(cfg.FPS*2))

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	elements := []*gst.Element{src.Element, converter, capsfilter, x264, parse, sink.Element}
	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add encode elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link encode elements: %w", err)
	}

	e := &VideoEncoder{
		pipeline: pipeline,
		src:      src,
		packets:  make(chan Packet, 256),
		eos:      make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onEncodedSample,
		EOSFunc: func(_ *app.Sink) {
			close(e.eos)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start encode pipeline: %w", err)
	}

	slog.Info("encode: video encoder started",
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"bitrate_kbps", cfg.BitrateKbps,
	)

	return e, nil
}

func (e *VideoEncoder) onEncodedSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	select {
	case e.packets <- packetFromBuffer(buffer):
		return gst.FlowOK
	case <-e.stopped:
		return gst.FlowEOS
	}
}

// Encode feeds one raw RGB frame stamped with the given PTS and returns
// any packets the codec has produced so far. Encoders buffer internally,
// so the returned slice may be empty for the first few calls.
func (e *VideoEncoder) Encode(pts time.Duration, rgb []byte) ([]Packet, error) {
	buffer := gst.NewBufferFromBytes(rgb)
	buffer.SetPresentationTimestamp(pts)

	if ret := e.src.PushBuffer(buffer); ret != gst.FlowOK {
		return nil, fmt.Errorf("appsrc rejected frame at pts %s: %s", pts, ret)
	}
	return e.collect(), nil
}

// Flush signals end of stream, waits for the codec to drain, and returns
// all remaining packets. The pipeline is torn down afterwards; the encoder
// must not be used again.
func (e *VideoEncoder) Flush() ([]Packet, error) {
	e.src.EndStream()

	if err := waitForEOS(e.pipeline, drainTimeout); err != nil {
		e.Close()
		return e.collect(), fmt.Errorf("video encoder drain: %w", err)
	}

	out := e.collect()
	e.Close()
	return out, nil
}

// collect drains whatever packets are currently queued without blocking.
func (e *VideoEncoder) collect() []Packet {
	var out []Packet
	for {
		select {
		case pkt := <-e.packets:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// Close tears the pipeline down. Safe to call more than once.
func (e *VideoEncoder) Close() error {
	select {
	case <-e.stopped:
		return nil
	default:
		close(e.stopped)
	}
	return e.pipeline.SetState(gst.StateNull)
}
