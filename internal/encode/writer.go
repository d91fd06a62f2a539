package encode

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// WriterConfig describes the streams muxed into the output file.
type WriterConfig struct {
	Path   string
	Width  int
	Height int
	FPS    int

	// Audio enables the AAC input branch.
	Audio           bool
	AudioSampleRate int
	AudioChannels   int
}

// Writer muxes encoded H.264 (and optionally AAC) packets into an MP4
// file.
//
// Pipeline structure:
//
//	appsrc(h264) → h264parse ─┐
//	                          mp4mux → filesink
//	appsrc(aac)  → aacparse ──┘
//
// Finalize sends EOS so mp4mux writes the moov atom; until then the file
// on disk is not a playable MP4.
type Writer struct {
	pipeline *gst.Pipeline
	videoSrc *app.Source
	audioSrc *app.Source
	path     string

	finalized bool
}

// NewWriter creates and starts a muxing pipeline writing to cfg.Path.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create mux pipeline: %w", err)
	}

	mux, err := gst.NewElement("mp4mux")
	if err != nil {
		return nil, fmt.Errorf("failed to create mp4mux: %w", err)
	}

	filesink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("failed to create filesink: %w", err)
	}
	filesink.SetProperty("location", cfg.Path)

	if err := pipeline.AddMany(mux, filesink); err != nil {
		return nil, fmt.Errorf("failed to add mux elements: %w", err)
	}
	if err := mux.Link(filesink); err != nil {
		return nil, fmt.Errorf("failed to link mp4mux to filesink: %w", err)
	}

	videoSrc, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create mux video appsrc: %w", err)
	}
	videoSrc.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"video/x-h264,stream-format=byte-stream,alignment=au,width=%d,height=%d,framerate=%d/1",
		cfg.Width, cfg.Height, cfg.FPS,
	)))
	videoSrc.SetProperty("format", gst.FormatTime)
	videoSrc.SetProperty("block", true)

	videoParse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	if err := pipeline.AddMany(videoSrc.Element, videoParse); err != nil {
		return nil, fmt.Errorf("failed to add video branch: %w", err)
	}
	if err := gst.ElementLinkMany(videoSrc.Element, videoParse, mux); err != nil {
		return nil, fmt.Errorf("failed to link video branch: %w", err)
	}

	w := &Writer{
		pipeline: pipeline,
		videoSrc: videoSrc,
		path:     cfg.Path,
	}

	if cfg.Audio {
		audioSrc, err := app.NewAppSrc()
		if err != nil {
			return nil, fmt.Errorf("failed to create mux audio appsrc: %w", err)
		}
		audioSrc.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
			"audio/mpeg,mpegversion=4,stream-format=adts,rate=%d,channels=%d",
			cfg.AudioSampleRate, cfg.AudioChannels,
		)))
		audioSrc.SetProperty("format", gst.FormatTime)
		audioSrc.SetProperty("block", true)

		audioParse, err := gst.NewElement("aacparse")
		if err != nil {
			return nil, fmt.Errorf("failed to create aacparse: %w", err)
		}

		if err := pipeline.AddMany(audioSrc.Element, audioParse); err != nil {
			return nil, fmt.Errorf("failed to add audio branch: %w", err)
		}
		if err := gst.ElementLinkMany(audioSrc.Element, audioParse, mux); err != nil {
			return nil, fmt.Errorf("failed to link audio branch: %w", err)
		}
		w.audioSrc = audioSrc
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start mux pipeline: %w", err)
	}

	slog.Info("encode: mp4 writer started",
		"path", cfg.Path,
		"audio", cfg.Audio,
	)

	return w, nil
}

// WriteVideo pushes one encoded video packet into the muxer.
func (w *Writer) WriteVideo(pkt Packet) error {
	return w.push(w.videoSrc, pkt, "video")
}

// WriteAudio pushes one encoded audio packet into the muxer. Returns an
// error if the writer was created without an audio branch.
func (w *Writer) WriteAudio(pkt Packet) error {
	if w.audioSrc == nil {
		return fmt.Errorf("writer has no audio branch")
	}
	return w.push(w.audioSrc, pkt, "audio")
}

func (w *Writer) push(src *app.Source, pkt Packet, stream string) error {
	buffer := gst.NewBufferFromBytes(pkt.Data)
	buffer.SetPresentationTimestamp(pkt.PTS)

	if ret := src.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("muxer rejected %s packet at pts %s: %s", stream, pkt.PTS, ret)
	}
	return nil
}

// Finalize ends both streams, waits for the muxer to write the trailer,
// and tears the pipeline down. The file is only valid after Finalize
// returns nil.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	w.videoSrc.EndStream()
	if w.audioSrc != nil {
		w.audioSrc.EndStream()
	}

	if err := waitForEOS(w.pipeline, drainTimeout); err != nil {
		w.pipeline.SetState(gst.StateNull)
		return fmt.Errorf("mp4 finalize: %w", err)
	}

	if err := w.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("mp4 finalize: %w", err)
	}

	slog.Info("encode: mp4 finalized", "path", w.path)
	return nil
}

// Abort tears the pipeline down without writing a trailer and removes the
// partial file. Used when the recording produced nothing worth keeping.
func (w *Writer) Abort() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	w.pipeline.SetState(gst.StateNull)

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial file %s: %w", w.path, err)
	}
	slog.Warn("encode: mp4 aborted, partial file removed", "path", w.path)
	return nil
}
