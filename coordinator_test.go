package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testCoordinatorOptions struct {
	idleTimeout time.Duration
	startSLA    time.Duration
	openDelay   time.Duration
}

func newTestCoordinator(t *testing.T, opts testCoordinatorOptions) (*Coordinator, *memoryNotifier) {
	t.Helper()
	stubEncoderBackends(t)

	notifier := &memoryNotifier{}
	cfg := CoordinatorConfig{
		OutputDir:      t.TempDir(),
		Recording:      RecordingConfig{FPS: 30, Quality: 80},
		IdleTimeout:    opts.idleTimeout,
		StartSLA:       opts.startSLA,
		StopGrace:      50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Notifier:       notifier,
		DisableWatcher: true,
	}
	if cfg.StartSLA == 0 {
		cfg.StartSLA = 5 * time.Second // effectively disable SLA warnings
	}

	coord, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	coord.newSession = func(rc RecordingConfig) (*CaptureSession, error) {
		fs := newFakeSource()
		fs.autoEmit = true
		fs.openDelay = opts.openDelay
		return NewCaptureSessionWithSources(rc, fs, nil)
	}
	return coord, notifier
}

func waitForStatus(t *testing.T, coord *Coordinator, want PreInitStatus) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		return coord.Status() == want
	}, "status "+want.String())
}

func TestCoordinator_FastPath(t *testing.T) {
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	if err := coord.TriggerStart(context.Background()); err != nil {
		t.Fatalf("TriggerStart: %v", err)
	}
	if !coord.Recording() {
		t.Fatal("Recording() = false after TriggerStart")
	}

	time.Sleep(50 * time.Millisecond) // let some frames flow

	result, err := coord.TriggerStop()
	if err != nil {
		t.Fatalf("TriggerStop: %v", err)
	}
	if result.Frames == 0 {
		t.Error("recording captured zero frames")
	}
	if coord.Recording() {
		t.Error("Recording() = true after TriggerStop")
	}
	if notifier.savedCount() != 1 {
		t.Errorf("saved notifications = %d, want 1", notifier.savedCount())
	}

	// Stop schedules the next pre-initialization automatically.
	waitForStatus(t, coord, PreInitReady)
}

func TestCoordinator_FastPathMeetsSLA(t *testing.T) {
	// A pre-initialized session must start within the push-to-record
	// budget even with a deliberately slow Open.
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{
		startSLA:  DefaultStartSLA,
		openDelay: 400 * time.Millisecond,
	})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	if err := coord.TriggerStart(context.Background()); err != nil {
		t.Fatalf("TriggerStart: %v", err)
	}
	defer coord.TriggerStop()

	for _, code := range notifier.warningCodes() {
		if code == CodeSlowStart {
			t.Error("fast path emitted an SLA warning")
		}
	}
}

func TestCoordinator_SlowPathWarnsOnSLA(t *testing.T) {
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{
		startSLA:  time.Nanosecond, // any start overruns
		openDelay: 10 * time.Millisecond,
	})

	// No PreInitialize: TriggerStart must build the session inline.
	if err := coord.TriggerStart(context.Background()); err != nil {
		t.Fatalf("slow-path TriggerStart: %v", err)
	}
	defer coord.TriggerStop()

	found := false
	for _, code := range notifier.warningCodes() {
		if code == CodeSlowStart {
			found = true
		}
	}
	if !found {
		t.Errorf("warning codes = %v, want %s", notifier.warningCodes(), CodeSlowStart)
	}
}

func TestCoordinator_SlowPathWarnsWithinSLA(t *testing.T) {
	// A slow-path start is an SLA violation even when inline setup happens
	// to finish inside the budget.
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{
		startSLA: 5 * time.Second, // generous; elapsed time alone never trips it
	})

	// No PreInitialize: TriggerStart must build the session inline.
	if err := coord.TriggerStart(context.Background()); err != nil {
		t.Fatalf("slow-path TriggerStart: %v", err)
	}
	defer coord.TriggerStop()

	found := false
	for _, code := range notifier.warningCodes() {
		if code == CodeSlowStart {
			found = true
		}
	}
	if !found {
		t.Errorf("warning codes = %v, want %s on the slow path", notifier.warningCodes(), CodeSlowStart)
	}
}

func TestCoordinator_ConsumingReadyNotifies(t *testing.T) {
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	if err := coord.TriggerStart(context.Background()); err != nil {
		t.Fatalf("TriggerStart: %v", err)
	}
	defer coord.TriggerStop()

	statuses := notifier.preInitStatuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != PreInitNotInitialized {
		t.Errorf("pre-init notifications = %v, want trailing %v after the ready slot was consumed",
			statuses, PreInitNotInitialized)
	}
}

func TestCoordinator_ConcurrentStarts(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordinatorOptions{})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = coord.TriggerStart(context.Background())
		}(i)
	}
	wg.Wait()
	defer coord.TriggerStop()

	var ok, busy int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyActive):
			busy++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if ok != 1 || busy != 1 {
		t.Errorf("starts: %d succeeded, %d busy; want exactly 1 each", ok, busy)
	}
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordinatorOptions{})

	if _, err := coord.TriggerStop(); !errors.Is(err, ErrNotActive) {
		t.Errorf("TriggerStop = %v, want ErrNotActive", err)
	}
}

func TestCoordinator_IdleTeardown(t *testing.T) {
	coord, notifier := newTestCoordinator(t, testCoordinatorOptions{
		idleTimeout: 30 * time.Millisecond,
	})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	// No activity: the idle loop must tear the ready session down.
	waitForStatus(t, coord, PreInitNotInitialized)

	sawShutdown := false
	notifier.mu.Lock()
	for _, s := range notifier.preInits {
		if s == PreInitShuttingDown {
			sawShutdown = true
		}
	}
	notifier.mu.Unlock()
	if !sawShutdown {
		t.Error("no shutting-down notification during idle teardown")
	}
}

func TestCoordinator_IdleTimeoutZeroDisablesTeardown(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordinatorOptions{idleTimeout: 0})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	time.Sleep(100 * time.Millisecond)

	if got := coord.Status(); got != PreInitReady {
		t.Errorf("status = %v, want ready (idle teardown disabled)", got)
	}
}

func TestCoordinator_FocusGainedRearms(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordinatorOptions{})

	if got := coord.Status(); got != PreInitNotInitialized {
		t.Fatalf("initial status = %v", got)
	}

	coord.FocusGained()
	waitForStatus(t, coord, PreInitReady)
}

func TestCoordinator_CloseReleasesReadySession(t *testing.T) {
	coord, _ := newTestCoordinator(t, testCoordinatorOptions{})

	coord.PreInitialize()
	waitForStatus(t, coord, PreInitReady)

	if err := coord.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := coord.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
