package pulse

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEncoderConfig(t *testing.T) RecordingConfig {
	t.Helper()
	return DefaultRecordingConfig(filepath.Join(t.TempDir(), "clip.mp4"))
}

func frameAt(seq uint64) Frame {
	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     testWidth,
		Height:    testHeight,
		Data:      testFrameData(),
	}
}

func TestEncoder_PTSFromSequence(t *testing.T) {
	fakes := stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for seq := uint64(0); seq < 5; seq++ {
		if err := enc.WriteFrame(frameAt(seq)); err != nil {
			t.Fatalf("WriteFrame(%d): %v", seq, err)
		}
	}

	interval := time.Second / 30
	for i, pts := range fakes.video.encoded {
		want := time.Duration(i) * interval
		if pts != want {
			t.Errorf("frame %d pts = %v, want %v", i, pts, want)
		}
	}

	result, err := enc.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.Frames != 5 {
		t.Errorf("result.Frames = %d, want 5", result.Frames)
	}
	if !fakes.container.finalized {
		t.Error("container was not finalized")
	}
	if wantDur := 5.0 / 30.0; result.Duration != wantDur {
		t.Errorf("result.Duration = %v, want %v", result.Duration, wantDur)
	}
}

func TestEncoder_PacketOrderPreserved(t *testing.T) {
	fakes := stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for seq := uint64(0); seq < 10; seq++ {
		if err := enc.WriteFrame(frameAt(seq)); err != nil {
			t.Fatalf("WriteFrame(%d): %v", seq, err)
		}
	}
	if _, err := enc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var last time.Duration = -1
	for i, pkt := range fakes.container.video {
		if pkt.PTS <= last {
			t.Fatalf("packet %d pts %v not after %v", i, pkt.PTS, last)
		}
		last = pkt.PTS
	}
}

func TestEncoder_RejectsRegressingPacketPTS(t *testing.T) {
	fakes := stubEncoderBackends(t)
	fakes.video.regressPTS = true

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	if err := enc.WriteFrame(frameAt(0)); err != nil {
		t.Fatalf("WriteFrame(0): %v", err)
	}
	err = enc.WriteFrame(frameAt(1))
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("regressing packet pts: got %v, want *EncodingError", err)
	}
	if encErr.Op != "write_video" {
		t.Errorf("Op = %q, want write_video", encErr.Op)
	}
}

func TestEncoder_RejectsNonIncreasingPTS(t *testing.T) {
	stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	if err := enc.WriteFrame(frameAt(3)); err != nil {
		t.Fatalf("WriteFrame(3): %v", err)
	}
	err = enc.WriteFrame(frameAt(3))
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("repeated seq: got %v, want *EncodingError", err)
	}
}

func TestEncoder_DimensionLock(t *testing.T) {
	stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	if err := enc.WriteFrame(frameAt(0)); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	resized := frameAt(1)
	resized.Width = testWidth * 2
	err = enc.WriteFrame(resized)
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("resized frame: got %v, want *EncodingError", err)
	}
}

func TestEncoder_RejectsOddDimensions(t *testing.T) {
	stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	odd := frameAt(0)
	odd.Width = 33
	if err := enc.WriteFrame(odd); err == nil {
		t.Fatal("odd width accepted, want error")
	}
}

func TestEncoder_NoFrames(t *testing.T) {
	stubEncoderBackends(t)

	cfg := testEncoderConfig(t)
	// A file already at the target path belongs to the user; a recording
	// that never opened the container must not touch it.
	if err := os.WriteFile(cfg.OutputPath, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	enc, err := NewEncoder(cfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	_, err = enc.Stop()
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("Stop with zero frames = %v, want ErrNoFrames", err)
	}
	data, readErr := os.ReadFile(cfg.OutputPath)
	if readErr != nil || string(data) != "existing" {
		t.Errorf("pre-existing file disturbed by no-frame stop: %q, %v", data, readErr)
	}
}

func TestEncoder_FlushDrainsHeldPackets(t *testing.T) {
	fakes := stubEncoderBackends(t)
	// Codec holds the first 3 packets back until flush.
	fakes.video.holdback = 3

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for seq := uint64(0); seq < 3; seq++ {
		if err := enc.WriteFrame(frameAt(seq)); err != nil {
			t.Fatalf("WriteFrame(%d): %v", seq, err)
		}
	}
	if len(fakes.container.video) != 0 {
		t.Fatalf("packets written before flush: %d", len(fakes.container.video))
	}

	result, err := enc.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fakes.video.flushed {
		t.Error("backend was not flushed")
	}
	if result.Packets != 3 {
		t.Errorf("result.Packets = %d, want 3", result.Packets)
	}
	if len(fakes.container.video) != 3 {
		t.Errorf("container packets = %d, want 3", len(fakes.container.video))
	}
}

func TestEncoder_AbortsWhenNothingWritten(t *testing.T) {
	fakes := stubEncoderBackends(t)
	fakes.container.writeErr = errors.New("disk full")

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	if err := enc.WriteFrame(frameAt(0)); err == nil {
		t.Fatal("WriteFrame succeeded despite container failure")
	}

	if _, err := enc.Stop(); err == nil {
		t.Fatal("Stop returned nil after total write failure")
	}
	if !fakes.container.aborted {
		t.Error("container was not aborted")
	}
	if fakes.container.finalized {
		t.Error("container was finalized despite zero packets")
	}
}

func TestEncoder_StopIdempotence(t *testing.T) {
	stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.WriteFrame(frameAt(0)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := enc.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if _, err := enc.Stop(); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Stop = %v, want ErrNotActive", err)
	}
	if err := enc.WriteFrame(frameAt(1)); !errors.Is(err, ErrNotActive) {
		t.Errorf("WriteFrame after Stop = %v, want ErrNotActive", err)
	}
}

func TestEncoder_AudioIgnoredWithoutMicrophone(t *testing.T) {
	fakes := stubEncoderBackends(t)

	enc, err := NewEncoder(testEncoderConfig(t))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	chunk := AudioChunk{Data: make([]byte, 960), SampleRate: 48000, Channels: 2}
	if err := enc.WriteAudio(chunk); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if fakes.audio.encoded != 0 {
		t.Error("audio encoded despite microphone disabled")
	}
}

func TestEncoder_AudioPTSFromSampleCount(t *testing.T) {
	fakes := stubEncoderBackends(t)

	cfg := testEncoderConfig(t)
	cfg.Microphone = true
	enc, err := NewEncoder(cfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.WriteFrame(frameAt(0)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// 48000 Hz stereo S16LE: 192000 bytes is exactly one second.
	chunk := AudioChunk{Data: make([]byte, 192000), SampleRate: 48000, Channels: 2}
	if err := enc.WriteAudio(chunk); err != nil {
		t.Fatalf("WriteAudio #1: %v", err)
	}
	if err := enc.WriteAudio(chunk); err != nil {
		t.Fatalf("WriteAudio #2: %v", err)
	}

	if got := len(fakes.container.audio); got != 2 {
		t.Fatalf("audio packets = %d, want 2", got)
	}
	if pts := fakes.container.audio[0].PTS; pts != 0 {
		t.Errorf("first audio pts = %v, want 0", pts)
	}
	if pts := fakes.container.audio[1].PTS; pts != time.Second {
		t.Errorf("second audio pts = %v, want 1s", pts)
	}
}

func TestBitrateForQuality(t *testing.T) {
	// Monotonic in quality.
	prev := uint(0)
	for q := 0; q <= 100; q += 10 {
		got := bitrateForQuality(q, 1920, 1080, 30)
		if got < prev {
			t.Fatalf("bitrate not monotonic: q=%d gives %d after %d", q, got, prev)
		}
		prev = got
	}

	// Default quality at 1080p30 lands near the 5 Mbps the desktop app
	// historically used.
	got := bitrateForQuality(DefaultQuality, 1920, 1080, 30)
	if got < 4500 || got > 6000 {
		t.Errorf("bitrate at default quality = %d kbps, want ~5200", got)
	}

	// Tiny frames still get the floor.
	if got := bitrateForQuality(0, 64, 64, 1); got != 500 {
		t.Errorf("floor bitrate = %d, want 500", got)
	}
}
