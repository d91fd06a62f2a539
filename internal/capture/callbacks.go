package capture

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is a minimal frame struct for internal use (avoids an import cycle;
// the public Frame type is defined in the root package).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// CallbackContext holds state needed by the appsink callback.
type CallbackContext struct {
	FrameChan chan<- Frame
	Delivered *uint64 // Atomic counter; also the next sequence number
	Dropped   *uint64 // Atomic counter for frames discarded at the callback
	BytesRead *uint64 // Atomic counter for raw bytes delivered

	// Discovered from the first sample's caps when zero.
	Width  int
	Height int

	Done <-chan struct{} // closed when the owning source is stopping
}

// OnNewSample is called by GStreamer for every captured frame.
//
// The callback:
//  1. Pulls the sample and maps its buffer.
//  2. Copies the pixel data (GStreamer reuses the buffer).
//  3. Assigns the next gap-free sequence number.
//  4. Sends the frame, or counts it as dropped when the consumer is full.
//
// Sequence numbers are only consumed for frames that were actually
// delivered, so the numbers seen downstream are strictly increasing with no
// gaps even when overflow frames are discarded here.
func OnNewSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad pull should not kill the capture.
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	if ctx.Width == 0 || ctx.Height == 0 {
		ctx.Width, ctx.Height = dimensionsFromSample(sample)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	// The appsink callback is single-threaded, so load-then-increment on
	// the delivered counter cannot race with itself.
	seq := atomic.LoadUint64(ctx.Delivered)
	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case ctx.FrameChan <- frame:
		atomic.AddUint64(ctx.Delivered, 1)
		atomic.AddUint64(ctx.BytesRead, uint64(len(frameData)))
	case <-ctx.Done:
		return gst.FlowEOS
	default:
		// Consumer not keeping up; the sequence number is not consumed.
		atomic.AddUint64(ctx.Dropped, 1)
		slog.Debug("capture: dropping frame, channel full",
			"next_seq", seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// dimensionsFromSample reads width/height from the sample caps. Returns
// zeros if the caps are not in the expected shape.
func dimensionsFromSample(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps == nil {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return 0, 0
	}
	w, werr := structure.GetValue("width")
	h, herr := structure.GetValue("height")
	if werr != nil || herr != nil {
		return 0, 0
	}
	width, _ := w.(int)
	height, _ := h.(int)
	return width, height
}
