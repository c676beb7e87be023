package playback

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netlight/pixelpipe/pkg/pxld"
)

const (
	testFrameHeaderSize = 32
	testSlaveEntrySize  = 24
)

// buildTestArchive writes a small PXLD v3 archive with a single slave
// carrying 2 pixels, at a high fps so pacing tests stay fast.
func buildTestArchive(t *testing.T, fps uint8, totalFrames uint32) string {
	t.Helper()

	const slavePx = 2
	slaveLen := uint32(slavePx * 4)
	slaveTableSize := uint32(testSlaveEntrySize)

	var body []byte
	for f := uint32(0); f < totalFrames; f++ {
		fh := make([]byte, testFrameHeaderSize)
		binary.LittleEndian.PutUint32(fh[0:4], f)
		binary.LittleEndian.PutUint32(fh[8:12], slaveTableSize)
		binary.LittleEndian.PutUint32(fh[12:16], slaveLen)

		e := make([]byte, testSlaveEntrySize)
		e[0] = 0
		binary.LittleEndian.PutUint16(e[6:8], slavePx)
		binary.LittleEndian.PutUint32(e[8:12], 0)
		binary.LittleEndian.PutUint32(e[12:16], slaveLen)

		pixels := make([]byte, slaveLen)
		for i := range pixels {
			pixels[i] = byte(f)
		}

		body = append(body, fh...)
		body = append(body, e...)
		body = append(body, pixels...)
	}

	hdr := make([]byte, 64)
	copy(hdr[0:4], "PXLD")
	hdr[4] = 3
	hdr[6] = fps
	binary.LittleEndian.PutUint16(hdr[7:9], 1)
	binary.LittleEndian.PutUint32(hdr[9:13], totalFrames)
	binary.LittleEndian.PutUint32(hdr[13:17], slavePx)
	binary.LittleEndian.PutUint16(hdr[17:19], testFrameHeaderSize)
	binary.LittleEndian.PutUint16(hdr[19:21], testSlaveEntrySize)

	dir := t.TempDir()
	path := filepath.Join(dir, "show.pxld")
	if err := os.WriteFile(path, append(hdr, body...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (s *eventSink) last(eventType string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			return s.events[i], true
		}
	}
	return Event{}, false
}

func waitForCount(t *testing.T, sink *eventSink, eventType string, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sink.count(eventType) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, eventType, sink.count(eventType))
}

func newTestSession(t *testing.T, path string) (*Session, *eventSink) {
	sink := &eventSink{}
	open := func(filename string) (*pxld.Reader, error) {
		return pxld.Open(path, pxld.DefaultOptions)
	}
	return New(open, sink.handle, nil), sink
}

func TestInitMovesToReadyAndEmitsReady(t *testing.T) {
	path := buildTestArchive(t, 40, 5)
	s, sink := newTestSession(t, path)

	if err := s.Init("show.pxld", -1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state = %v, want Ready", s.State())
	}
	ev, ok := sink.last("ready")
	if !ok {
		t.Fatal("expected a ready event")
	}
	if ev.TotalFrames != 5 || ev.FPS != 40 {
		t.Fatalf("unexpected ready event: %+v", ev)
	}
	s.Stop()
}

func TestPlayEmitsFramesAndStopReturnsToReady(t *testing.T) {
	path := buildTestArchive(t, 50, 100)
	s, sink := newTestSession(t, path)
	if err := s.Init("show.pxld", -1); err != nil {
		t.Fatal(err)
	}

	if err := s.Play(nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitForCount(t, sink, "frame_data_all", 5, 2*time.Second)

	if s.State() != Playing {
		t.Fatalf("state = %v, want Playing", s.State())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state after stop = %v, want Ready", s.State())
	}
}

func TestPausePromptlyStopsEmission(t *testing.T) {
	path := buildTestArchive(t, 40, 100)
	s, sink := newTestSession(t, path)
	if err := s.Init("show.pxld", -1); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(nil); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, sink, "frame_data_all", 3, 2*time.Second)

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	countAtPause := sink.count("frame_data_all")

	period := time.Second / 40
	time.Sleep(2 * period)

	if sink.count("frame_data_all") != countAtPause {
		t.Fatalf("frame_data_all events kept arriving after pause: %d -> %d", countAtPause, sink.count("frame_data_all"))
	}
	if _, ok := sink.last("paused"); !ok {
		t.Fatal("expected a paused event")
	}
	if s.State() != Paused {
		t.Fatalf("state = %v, want Paused", s.State())
	}
}

func TestSeekEmitsOneFrameWithoutStateChange(t *testing.T) {
	path := buildTestArchive(t, 40, 10)
	s, sink := newTestSession(t, path)
	if err := s.Init("show.pxld", -1); err != nil {
		t.Fatal(err)
	}

	if err := s.Seek(5); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("Seek must not change state, got %v", s.State())
	}
	ev, ok := sink.last("frame_data_all")
	if !ok || ev.Frame != 5 {
		t.Fatalf("expected frame_data_all for frame 5, got %+v ok=%v", ev, ok)
	}
}

func TestGetFrameSingleSlave(t *testing.T) {
	path := buildTestArchive(t, 40, 10)
	s, sink := newTestSession(t, path)
	if err := s.Init("show.pxld", 0); err != nil {
		t.Fatal(err)
	}

	sid := 0
	if err := s.GetFrame(3, &sid); err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	ev, ok := sink.last("frame_data")
	if !ok {
		t.Fatal("expected a frame_data event")
	}
	if ev.Frame != 3 || ev.SlaveID != 0 || ev.PixelCount != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestOperationsBeforeInitReturnErrNotInitialized(t *testing.T) {
	s := New(func(string) (*pxld.Reader, error) { return nil, nil }, func(Event) {}, nil)
	if err := s.Play(nil); err != ErrNotInitialized {
		t.Fatalf("Play err = %v, want ErrNotInitialized", err)
	}
	if err := s.Pause(); err != ErrNotInitialized {
		t.Fatalf("Pause err = %v, want ErrNotInitialized", err)
	}
	if err := s.Seek(0); err != ErrNotInitialized {
		t.Fatalf("Seek err = %v, want ErrNotInitialized", err)
	}
}

func TestStopResetsCurrentFrameToZero(t *testing.T) {
	path := buildTestArchive(t, 60, 50)
	s, sink := newTestSession(t, path)
	if err := s.Init("show.pxld", -1); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(nil); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, sink, "frame_data_all", 3, 2*time.Second)

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.last("stopped"); !ok {
		t.Fatal("expected a stopped event")
	}
	s.mu.Lock()
	cur := s.currentFrame
	s.mu.Unlock()
	if cur != 0 {
		t.Fatalf("currentFrame after stop = %d, want 0", cur)
	}

	sid := -1
	if err := s.GetFrame(0, &sid); err != nil {
		t.Fatalf("GetFrame after stop: %v", err)
	}
}
