package pulse

import "log/slog"

// Status is the coarse recording status surfaced to collaborators.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
)

// ClipSaved describes a finalized recording for notification consumers.
type ClipSaved struct {
	// Path of the finalized file.
	Path string
	// DurationMs is the recorded duration in milliseconds.
	DurationMs uint64
}

// Notifier receives status and error notifications from the coordinator.
// Implementations must be safe for concurrent use; callbacks are invoked
// from background goroutines and must not block.
type Notifier interface {
	RecordingStatus(Status)
	PreInit(PreInitStatus)
	Saved(ClipSaved)
	Warning(code, message string)
	Failure(code, message string)
}

// LogNotifier is the default Notifier; it forwards every notification to
// slog.
type LogNotifier struct{}

func (LogNotifier) RecordingStatus(s Status) {
	slog.Info("pulse: recording status", "status", string(s))
}

func (LogNotifier) PreInit(s PreInitStatus) {
	slog.Info("pulse: pre-init status", "status", s.String())
}

func (LogNotifier) Saved(c ClipSaved) {
	slog.Info("pulse: clip saved", "path", c.Path, "duration_ms", c.DurationMs)
}

func (LogNotifier) Warning(code, message string) {
	slog.Warn("pulse: warning", "code", code, "message", message)
}

func (LogNotifier) Failure(code, message string) {
	slog.Error("pulse: failure", "code", code, "message", message)
}
