package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultStartSLA is the push-to-record budget: elapsed time from
	// trigger to a confirmed recording beyond this is logged and surfaced
	// as a warning.
	DefaultStartSLA = 250 * time.Millisecond

	// DefaultStopGrace is how long a stop waits for a racing start to
	// confirm its first frame before cancelling the recording.
	DefaultStopGrace = 500 * time.Millisecond

	// DefaultIdlePoll is how often the idle loop checks for teardown.
	DefaultIdlePoll = 30 * time.Second
)

// CoordinatorConfig configures the recording lifecycle coordinator.
type CoordinatorConfig struct {
	// OutputDir receives the timestamped clip files.
	OutputDir string

	// Recording is the per-clip template. OutputPath is filled in by the
	// coordinator for every recording and may be left empty.
	Recording RecordingConfig

	// IdleTimeout tears down a pre-initialized session that saw no
	// activity for this long. 0 disables idle teardown.
	IdleTimeout time.Duration

	// StartSLA overrides DefaultStartSLA when > 0.
	StartSLA time.Duration

	// StopGrace overrides DefaultStopGrace when > 0.
	StopGrace time.Duration

	// PollInterval overrides DefaultIdlePoll when > 0.
	PollInterval time.Duration

	// Notifier receives lifecycle notifications. Defaults to LogNotifier.
	Notifier Notifier

	// DisableWatcher turns off the output-directory watcher.
	DisableWatcher bool

	// OnExternalClip is called for video files that appear in OutputDir
	// outside of a recording. Optional.
	OnExternalClip func(path string)
}

// Coordinator owns the push-to-record lifecycle: it keeps a session
// pre-initialized in the background so TriggerStart can begin recording
// within the start SLA, tears idle sessions down, and re-arms after every
// recording.
type Coordinator struct {
	cfg      CoordinatorConfig
	notifier Notifier
	watcher  *OutputWatcher

	// newSession is swapped by tests for sessions with fake sources.
	newSession func(RecordingConfig) (*CaptureSession, error)

	mu     sync.Mutex
	ready  *CaptureSession
	active *CaptureSession

	status       atomic.Int32 // PreInitStatus
	initInFlight atomic.Bool

	activityMu   sync.Mutex
	lastActivity time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoordinator validates the configuration, creates the output
// directory and watcher, and starts the idle loop. It does not
// pre-initialize; call PreInitialize (or wait for FocusGained) for that.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.OutputDir == "" {
		return nil, &ConfigError{Field: "output_dir", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, &IOError{Path: cfg.OutputDir, Err: err}
	}

	if cfg.StartSLA <= 0 {
		cfg.StartSLA = DefaultStartSLA
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultIdlePoll
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}

	c := &Coordinator{
		cfg:          cfg,
		notifier:     cfg.Notifier,
		newSession:   NewCaptureSession,
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	c.status.Store(int32(PreInitNotInitialized))

	if !cfg.DisableWatcher {
		onClip := cfg.OnExternalClip
		if onClip == nil {
			onClip = func(path string) {
				slog.Info("coordinator: external clip appeared", "path", path)
			}
		}
		watcher, err := NewOutputWatcher(cfg.OutputDir, onClip)
		if err != nil {
			return nil, err
		}
		c.watcher = watcher
	}

	c.wg.Add(1)
	go c.idleLoop()

	slog.Info("coordinator: ready",
		"output_dir", cfg.OutputDir,
		"start_sla", cfg.StartSLA,
		"idle_timeout", cfg.IdleTimeout,
	)
	return c, nil
}

// Status returns the current pre-initialization status.
func (c *Coordinator) Status() PreInitStatus {
	return PreInitStatus(c.status.Load())
}

// Recording reports whether a recording is in progress.
func (c *Coordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Coordinator) setStatus(s PreInitStatus) {
	c.status.Store(int32(s))
	c.notifier.PreInit(s)
}

// touchActivity records user activity for the idle teardown clock.
func (c *Coordinator) touchActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *Coordinator) idleFor() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActivity)
}

// nextOutputPath builds the timestamped clip path for a new session.
func (c *Coordinator) nextOutputPath() string {
	name := fmt.Sprintf("Recording_%s.mp4", time.Now().Format("2006-01-02_15-04-05"))
	return filepath.Join(c.cfg.OutputDir, name)
}

func (c *Coordinator) buildSession() (*CaptureSession, error) {
	recCfg := c.cfg.Recording
	recCfg.OutputPath = c.nextOutputPath()
	session, err := c.newSession(recCfg)
	if err != nil {
		return nil, err
	}
	session.SetNotifier(c.notifier)
	return session, nil
}

// PreInitialize prepares a session in the background so the next
// TriggerStart can take the fast path. At most one pre-initialization runs
// at a time; redundant calls are no-ops.
func (c *Coordinator) PreInitialize() {
	c.mu.Lock()
	alreadyReady := c.ready != nil
	c.mu.Unlock()
	if alreadyReady {
		return
	}
	if !c.initInFlight.CompareAndSwap(false, true) {
		return
	}

	c.setStatus(PreInitInitializing)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.initInFlight.Store(false)

		session, err := c.buildSession()
		if err == nil {
			err = session.PreInitialize(context.Background())
		}
		if err != nil {
			slog.Error("coordinator: pre-initialization failed", "error", err)
			c.setStatus(PreInitNotInitialized)
			c.notifier.Failure(ErrorCode(err), err.Error())
			return
		}

		c.mu.Lock()
		select {
		case <-c.done:
			// Raced a shutdown; do not hold a live pipeline.
			c.mu.Unlock()
			session.Close()
			return
		default:
		}
		c.ready = session
		c.mu.Unlock()

		c.setStatus(PreInitReady)
		c.touchActivity()
	}()
}

// TriggerStart begins a recording. It returns once the first frame has
// been accepted by the encoder.
//
// Fast path: take exclusive ownership of the pre-initialized session and
// flip it to recording. Slow path: no session is ready, so the full
// capture setup runs inline; that works but blows the start SLA, which is
// logged and surfaced as a warning.
func (c *Coordinator) TriggerStart(ctx context.Context) error {
	trigger := time.Now()
	c.touchActivity()

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	session := c.ready
	c.ready = nil
	fastPath := session != nil
	if !fastPath {
		var err error
		session, err = c.buildSession()
		if err != nil {
			c.mu.Unlock()
			c.notifier.Failure(ErrorCode(err), err.Error())
			return err
		}
	}
	c.active = session
	c.mu.Unlock()

	if fastPath {
		// The ready slot is consumed; reflect that before recording.
		c.setStatus(PreInitNotInitialized)
	}

	if c.watcher != nil {
		c.watcher.Pause()
	}

	if err := session.Start(ctx); err != nil {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		if c.watcher != nil {
			c.watcher.Resume()
		}
		return err
	}

	// A slow-path start is an SLA violation by definition: the leading
	// frames were lost to inline setup even when the clock looks fine.
	elapsed := time.Since(trigger)
	switch {
	case !fastPath:
		slog.Warn("coordinator: slow-path start, no session was pre-initialized",
			"elapsed", elapsed,
			"sla", c.cfg.StartSLA,
		)
		c.notifier.Warning(CodeSlowStart,
			fmt.Sprintf("no pre-initialized session, recording started in %s (budget %s)",
				elapsed, c.cfg.StartSLA))
	case elapsed > c.cfg.StartSLA:
		slog.Warn("coordinator: start exceeded SLA",
			"elapsed", elapsed,
			"sla", c.cfg.StartSLA,
		)
		c.notifier.Warning(CodeSlowStart,
			fmt.Sprintf("recording started in %s (budget %s)", elapsed, c.cfg.StartSLA))
	default:
		slog.Info("coordinator: recording started", "elapsed", elapsed)
	}
	return nil
}

// TriggerStop ends the active recording and finalizes the clip. When stop
// races an unconfirmed start it waits a bounded grace period for the first
// frame; a recording that never confirms is cancelled cleanly and leaves
// no file.
//
// After the clip is finalized the watcher is resumed and a new
// pre-initialization is scheduled with the same configuration.
func (c *Coordinator) TriggerStop() (RecordingResult, error) {
	c.touchActivity()

	c.mu.Lock()
	session := c.active
	c.mu.Unlock()
	if session == nil {
		return RecordingResult{}, ErrNotActive
	}

	if !session.Confirmed() {
		deadline := time.Now().Add(c.cfg.StopGrace)
		for !session.Confirmed() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if !session.Confirmed() {
			slog.Warn("coordinator: stopping before first frame confirmed",
				"grace", c.cfg.StopGrace,
			)
		}
	}

	result, err := session.Stop()

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	// Resume only after finalize so the watcher never sees the
	// half-written container.
	if c.watcher != nil {
		c.watcher.Resume()
	}

	c.PreInitialize()

	if err != nil {
		if errors.Is(err, ErrNoFrames) {
			slog.Info("coordinator: recording cancelled, no frames captured")
		}
		return result, err
	}

	slog.Info("coordinator: clip saved",
		"path", result.Path,
		"duration_s", result.Duration,
		"frames", result.Frames,
	)
	return result, nil
}

// FocusGained re-arms pre-initialization when nothing is prepared.
// Intended to be called when the user returns to the capture surface.
func (c *Coordinator) FocusGained() {
	c.touchActivity()
	if c.Status() == PreInitNotInitialized && !c.Recording() {
		c.PreInitialize()
	}
}

// FocusLost records activity so the idle clock restarts from the moment
// the user left.
func (c *Coordinator) FocusLost() {
	c.touchActivity()
}

// idleLoop tears down a pre-initialized session that has been unused past
// the idle timeout, releasing its native pipelines.
func (c *Coordinator) idleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.cfg.IdleTimeout <= 0 {
				continue
			}
			if c.Status() != PreInitReady || c.Recording() {
				continue
			}
			if c.idleFor() < c.cfg.IdleTimeout {
				continue
			}
			c.teardownIdle()
		}
	}
}

func (c *Coordinator) teardownIdle() {
	c.mu.Lock()
	session := c.ready
	c.ready = nil
	c.mu.Unlock()
	if session == nil {
		return
	}

	slog.Info("coordinator: tearing down idle session",
		"idle_for", c.idleFor(),
		"timeout", c.cfg.IdleTimeout,
	)
	c.setStatus(PreInitShuttingDown)
	if err := session.Close(); err != nil {
		slog.Error("coordinator: idle teardown failed", "error", err)
	}
	c.setStatus(PreInitNotInitialized)
}

// Close stops any active recording, releases the ready session, and shuts
// the watcher and idle loop down. Idempotent.
func (c *Coordinator) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		active := c.active
		ready := c.ready
		c.active = nil
		c.ready = nil
		c.mu.Unlock()

		if active != nil {
			if _, err := active.Stop(); err != nil && !errors.Is(err, ErrNoFrames) {
				firstErr = err
			}
		}
		if ready != nil {
			if err := ready.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.watcher != nil {
			if err := c.watcher.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.wg.Wait()
		c.status.Store(int32(PreInitNotInitialized))
		slog.Info("coordinator: closed")
	})
	return firstErr
}
