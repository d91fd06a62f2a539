package capture

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	// AudioSampleRate is the fixed capture rate for microphone audio.
	AudioSampleRate = 48000
	// AudioChannels is the fixed channel count for microphone audio.
	AudioChannels = 2
)

// AudioChunk is a minimal sample block for internal use.
type AudioChunk struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// AudioPipelineConfig contains configuration for microphone pipeline
// creation.
type AudioPipelineConfig struct {
	// DeviceID selects the capture device ("" = system default).
	DeviceID string
}

// AudioElements holds references to the microphone pipeline elements.
type AudioElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// CreateAudioPipeline creates a GStreamer pipeline for microphone capture.
//
// Pipeline structure:
//
//	<audio source> → audioconvert → audioresample →
//	capsfilter(S16LE 48k stereo) → appsink
//
// Like the screen pipeline it is returned in NULL state.
func CreateAudioPipeline(cfg AudioPipelineConfig) (*AudioElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipeline: %w", err)
	}

	source, err := newAudioSourceElement(cfg)
	if err != nil {
		return nil, err
	}

	converter, err := gst.NewElement("audioconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create audioconvert: %w", err)
	}

	resample, err := gst.NewElement("audioresample")
	if err != nil {
		return nil, fmt.Errorf("failed to create audioresample: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf(
		"audio/x-raw,format=S16LE,rate=%d,channels=%d,layout=interleaved",
		AudioSampleRate, AudioChannels,
	)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio appsink: %w", err)
	}
	appsink.SetProperty("sync", false)

	elements := []*gst.Element{source, converter, resample, capsfilter, appsink.Element}
	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add audio elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to link audio elements: %w", err)
	}

	slog.Info("capture: microphone pipeline created",
		"source", source.GetFactory().GetName(),
		"device", cfg.DeviceID,
	)

	return &AudioElements{Pipeline: pipeline, AppSink: appsink}, nil
}

// newAudioSourceElement selects the platform microphone source. pulsesrc on
// Linux when a specific device is requested, the autoplugged source
// otherwise.
func newAudioSourceElement(cfg AudioPipelineConfig) (*gst.Element, error) {
	if cfg.DeviceID != "" && runtime.GOOS == "linux" {
		src, err := gst.NewElement("pulsesrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create pulsesrc: %w", err)
		}
		src.SetProperty("device", cfg.DeviceID)
		return src, nil
	}

	src, err := gst.NewElement("autoaudiosrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create autoaudiosrc: %w", err)
	}
	return src, nil
}

// AudioCallbackContext holds state needed by the audio appsink callback.
type AudioCallbackContext struct {
	ChunkChan chan<- AudioChunk
	Delivered *uint64
	Dropped   *uint64
	Done      <-chan struct{}
}

// OnNewAudioSample is called by GStreamer for every captured sample block.
// Sequencing follows the same gap-free rule as the video callback.
func OnNewAudioSample(sink *app.Sink, ctx *AudioCallbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	chunkData := make([]byte, len(data))
	copy(chunkData, data)
	buffer.Unmap()

	seq := atomic.LoadUint64(ctx.Delivered)
	chunk := AudioChunk{
		Seq:       seq,
		Timestamp: time.Now(),
		Data:      chunkData,
	}

	select {
	case ctx.ChunkChan <- chunk:
		atomic.AddUint64(ctx.Delivered, 1)
	case <-ctx.Done:
		return gst.FlowEOS
	default:
		atomic.AddUint64(ctx.Dropped, 1)
		slog.Debug("capture: dropping audio chunk, channel full", "next_seq", seq)
	}

	return gst.FlowOK
}

// DestroyAudioPipeline sets the microphone pipeline to NULL.
func DestroyAudioPipeline(elements *AudioElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set audio pipeline to NULL: %w", err)
	}
	return nil
}
