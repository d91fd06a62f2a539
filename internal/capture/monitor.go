package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// MonitorBus polls the pipeline bus until the context is cancelled or the
// pipeline fails.
//
// Unlike a network source there is nothing to reconnect to: a screen
// capture error is fatal to the recording. The returned error is nil on
// graceful shutdown, non-nil on EOS or pipeline error.
func MonitorBus(ctx context.Context, pipeline *gst.Pipeline) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("capture: context cancelled, stopping bus monitor")
			return nil

		default:
			// Short poll timeout keeps shutdown responsive.
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Warn("capture: unexpected end of stream from screen source")
				return fmt.Errorf("screen source ended unexpectedly")

			case gst.MessageError:
				gerr := msg.ParseError()
				category := ClassifyGStreamerError(gerr)
				slog.Error("capture: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
				)
				return fmt.Errorf("capture pipeline error [%s]: %s", category.String(), gerr.Error())

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, next := msg.ParseStateChanged()
					slog.Debug("capture: pipeline state changed",
						"from", old,
						"to", next,
					)
				}
			}
		}
	}
}

// WaitForState blocks until the pipeline reports the wanted state on its
// bus, or the timeout elapses. Used to confirm the preroll to PAUSED during
// pre-initialization and the flip to PLAYING on start.
func WaitForState(pipeline *gst.Pipeline, want gst.State, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for %s state after %s", want, timeout)
		}

		msg := bus.TimedPop(remaining)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error while waiting for %s: %s", want, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, next := msg.ParseStateChanged(); next == want {
				return nil
			}
		}
	}
}
