package pulse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mieweb/pulse-desktop/internal/encode"
)

// Test fixture dimensions; small enough that frame payloads stay cheap.
const (
	testWidth  = 32
	testHeight = 24
)

func testFrameData() []byte {
	return make([]byte, testWidth*testHeight*3)
}

// fakeSource is an in-memory FrameSource. Tests either push frames
// manually with emit() or let the generator run with autoEmit.
type fakeSource struct {
	mu      sync.Mutex
	frames  chan Frame
	fatal   chan error
	stop    chan struct{}
	opened  bool
	started bool
	stopped bool
	seq     uint64

	openErr   error
	startErr  error
	openDelay time.Duration
	autoEmit  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan Frame, 128),
		fatal:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	f.opened = true
	return nil
}

func (f *fakeSource) Start(ctx context.Context) (<-chan Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = true
	if f.autoEmit {
		go f.generate()
	}
	return f.frames, nil
}

func (f *fakeSource) generate() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			frame := f.makeFrameLocked()
			f.mu.Unlock()
			select {
			case f.frames <- frame:
			case <-f.stop:
				return
			}
		}
	}
}

func (f *fakeSource) makeFrameLocked() Frame {
	frame := Frame{
		Seq:       f.seq,
		Timestamp: time.Now(),
		Width:     testWidth,
		Height:    testHeight,
		Data:      testFrameData(),
		TraceID:   fmt.Sprintf("trace-%d", f.seq),
	}
	f.seq++
	return frame
}

// emit queues n frames for the consumer.
func (f *fakeSource) emit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.frames <- f.makeFrameLocked()
	}
}

// emitGap queues a frame that skips ahead in the sequence.
func (f *fakeSource) emitGap() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq += 5
	f.frames <- f.makeFrameLocked()
}

func (f *fakeSource) failFatal(err error) {
	f.fatal <- err
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.stop)
	close(f.frames)
	return nil
}

func (f *fakeSource) Fatal() <-chan error { return f.fatal }

// fakeAudioSource is an in-memory AudioSource.
type fakeAudioSource struct {
	mu      sync.Mutex
	chunks  chan AudioChunk
	fatal   chan error
	opened  bool
	stopped bool
}

func newFakeAudioSource() *fakeAudioSource {
	return &fakeAudioSource{
		chunks: make(chan AudioChunk, 16),
		fatal:  make(chan error, 1),
	}
}

func (f *fakeAudioSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeAudioSource) Start(ctx context.Context) (<-chan AudioChunk, error) {
	return f.chunks, nil
}

func (f *fakeAudioSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.chunks)
	return nil
}

func (f *fakeAudioSource) Fatal() <-chan error { return f.fatal }

func (f *fakeAudioSource) failFatal(err error) {
	f.fatal <- err
}

func (f *fakeSource) Stats() SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SourceStats{FramesDelivered: f.seq}
}

// fakeVideoBackend emits one packet per frame with the frame's PTS.
type fakeVideoBackend struct {
	mu        sync.Mutex
	encoded   []time.Duration
	encodeErr error
	failAfter int // fail on the Nth Encode call (1-based), 0 = never
	flushed   bool
	closed    bool
	// pending packets withheld until Flush, simulating codec buffering
	holdback int
	held     []encode.Packet
	// negate packet PTS, simulating a codec emitting out-of-order output
	regressPTS bool
}

func (b *fakeVideoBackend) Encode(pts time.Duration, rgb []byte) ([]encode.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAfter > 0 && len(b.encoded)+1 >= b.failAfter {
		return nil, fmt.Errorf("simulated codec failure")
	}
	if b.encodeErr != nil {
		return nil, b.encodeErr
	}
	b.encoded = append(b.encoded, pts)
	if b.regressPTS {
		pts = -pts
	}
	pkt := encode.Packet{Data: []byte{0x01}, PTS: pts, DTS: pts, Keyframe: len(b.encoded) == 1}
	if len(b.held) < b.holdback {
		b.held = append(b.held, pkt)
		return nil, nil
	}
	return []encode.Packet{pkt}, nil
}

func (b *fakeVideoBackend) Flush() ([]encode.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = true
	out := b.held
	b.held = nil
	return out, nil
}

func (b *fakeVideoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeAudioBackend struct {
	mu      sync.Mutex
	encoded int
	flushed bool
}

func (b *fakeAudioBackend) Encode(pts time.Duration, samples []byte) ([]encode.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoded++
	return []encode.Packet{{Data: []byte{0x02}, PTS: pts, DTS: pts}}, nil
}

func (b *fakeAudioBackend) Flush() ([]encode.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = true
	return nil, nil
}

func (b *fakeAudioBackend) Close() error { return nil }

// fakeContainer records written packets in order.
type fakeContainer struct {
	mu        sync.Mutex
	video     []encode.Packet
	audio     []encode.Packet
	finalized bool
	aborted   bool
	writeErr  error
}

func (c *fakeContainer) WriteVideo(pkt encode.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.video = append(c.video, pkt)
	return nil
}

func (c *fakeContainer) WriteAudio(pkt encode.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.audio = append(c.audio, pkt)
	return nil
}

func (c *fakeContainer) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = true
	return nil
}

func (c *fakeContainer) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

// encoderFakes swaps the production pipeline factories for in-memory
// fakes for the duration of a test. Tests using it must not run in
// parallel.
type encoderFakes struct {
	video     *fakeVideoBackend
	audio     *fakeAudioBackend
	container *fakeContainer
}

func stubEncoderBackends(t *testing.T) *encoderFakes {
	t.Helper()

	fakes := &encoderFakes{
		video:     &fakeVideoBackend{},
		audio:     &fakeAudioBackend{},
		container: &fakeContainer{},
	}

	origVideo, origAudio, origContainer := newVideoBackend, newAudioBackend, newContainer
	newVideoBackend = func(cfg encode.VideoConfig) (videoBackend, error) {
		return fakes.video, nil
	}
	newAudioBackend = func(cfg encode.AudioConfig) (audioBackend, error) {
		return fakes.audio, nil
	}
	newContainer = func(cfg encode.WriterConfig) (container, error) {
		return fakes.container, nil
	}
	t.Cleanup(func() {
		newVideoBackend = origVideo
		newAudioBackend = origAudio
		newContainer = origContainer
	})
	return fakes
}

// memoryNotifier records notifications for assertions.
type memoryNotifier struct {
	mu        sync.Mutex
	statuses  []Status
	preInits  []PreInitStatus
	saved     []ClipSaved
	warnings  []string
	failures  []string
}

func (n *memoryNotifier) RecordingStatus(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, s)
}

func (n *memoryNotifier) PreInit(s PreInitStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.preInits = append(n.preInits, s)
}

func (n *memoryNotifier) Saved(c ClipSaved) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.saved = append(n.saved, c)
}

func (n *memoryNotifier) Warning(code, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, code)
}

func (n *memoryNotifier) Failure(code, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, code)
}

func (n *memoryNotifier) savedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.saved)
}

func (n *memoryNotifier) preInitStatuses() []PreInitStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PreInitStatus(nil), n.preInits...)
}

func (n *memoryNotifier) warningCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.warnings...)
}

func (n *memoryNotifier) failureCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failures...)
}

// waitFor polls until the condition holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
