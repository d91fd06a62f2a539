package encode

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// AudioConfig describes the raw samples fed to the AAC encoder.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	BitrateKbps uint
}

// AudioEncoder encodes interleaved S16LE samples to AAC frames.
//
// Pipeline structure:
//
//	appsrc(S16LE) → audioconvert → avenc_aac → aacparse → appsink
type AudioEncoder struct {
	pipeline *gst.Pipeline
	src      *app.Source

	packets chan Packet
	eos     chan struct{}
	stopped chan struct{}
}

// NewAudioEncoder creates and starts an AAC encoding pipeline.
func NewAudioEncoder(cfg AudioConfig) (*AudioEncoder, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio encode pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"audio/x-raw,format=S16LE,rate=%d,channels=%d,layout=interleaved",
		cfg.SampleRate, cfg.Channels,
	)))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("block", true)

	converter, err := gst.NewElement("audioconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create audioconvert: %w", err)
	}

	aac, err := gst.NewElement("avenc_aac")
	if err != nil {
		return nil, fmt.Errorf("failed to create avenc_aac: %w", err)
	}
	aac.SetProperty("bitrate", int(cfg.BitrateKbps)*1000)

	parse, err := gst.NewElement("aacparse")
	if err != nil {
		return nil, fmt.Errorf("failed to create aacparse: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	elements := []*gst.Element{src.Element, converter, aac, parse, sink.Element}
	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add audio encode elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link audio encode elements: %w", err)
	}

	e := &AudioEncoder{
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
		return nil, fmt.Errorf("failed to start audio encode pipeline: %w", err)
	}

	slog.Info("encode: audio encoder started",
		"rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"bitrate_kbps", cfg.BitrateKbps,
	)

	return e, nil
}

func (e *AudioEncoder) onEncodedSample(sink *app.Sink) gst.FlowReturn {
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

// Encode feeds one block of raw samples stamped with the given PTS and
// returns any packets the codec has produced so far.
func (e *AudioEncoder) Encode(pts time.Duration, samples []byte) ([]Packet, error) {
	buffer := gst.NewBufferFromBytes(samples)
	buffer.SetPresentationTimestamp(pts)

	if ret := e.src.PushBuffer(buffer); ret != gst.FlowOK {
		return nil, fmt.Errorf("audio appsrc rejected chunk at pts %s: %s", pts, ret)
	}
	return e.collect(), nil
}

// Flush signals end of stream, drains the codec, and tears the pipeline
// down.
func (e *AudioEncoder) Flush() ([]Packet, error) {
	e.src.EndStream()

	if err := waitForEOS(e.pipeline, drainTimeout); err != nil {
		e.Close()
		return e.collect(), fmt.Errorf("audio encoder drain: %w", err)
	}

	out := e.collect()
	e.Close()
	return out, nil
}

func (e *AudioEncoder) collect() []Packet {
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
func (e *AudioEncoder) Close() error {
	select {
	case <-e.stopped:
		return nil
	default:
		close(e.stopped)
	}
	return e.pipeline.SetState(gst.StateNull)
}
