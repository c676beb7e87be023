// Package playback implements the per-connection cooperative playback
// state machine: it decodes frames from a pxld.Reader on a pacing
// schedule and hands emitted events to a caller-supplied sink (normally
// the broadcast hub via a session adapter).
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netlight/pixelpipe/pkg/pxld"
)

// State is one node of the Uninitialized/Ready/Playing/Paused machine.
type State int

const (
	Uninitialized State = iota
	Ready
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

var (
	ErrNotInitialized = errors.New("playback: session not initialized")
	ErrFrameOutOfRange = errors.New("playback: frame out of range")
)

// SlaveFrame is one slave's data within a frame_data_all event.
type SlaveFrame struct {
	SlaveID    int    `json:"slave_id"`
	RGBWBase64 string `json:"rgbw_b64"`
	PixelCount int    `json:"pixel_count"`
}

// Event is one outbound message the session emits: ready, started,
// paused, stopped, frame_data, frame_data_all, or error.
type Event struct {
	Type        string       `json:"type"`
	Filename    string       `json:"filename,omitempty"`
	SlaveID     int          `json:"slave_id"`
	FPS         uint8        `json:"fps,omitempty"`
	TotalFrames uint32       `json:"total_frames,omitempty"`
	TotalSlaves int          `json:"total_slaves,omitempty"`
	SlaveIDs    []int        `json:"slave_ids,omitempty"`
	Frame       uint32       `json:"frame,omitempty"`
	RGBWBase64  string       `json:"rgbw_b64,omitempty"`
	PixelCount  int          `json:"pixel_count,omitempty"`
	Slaves      []SlaveFrame `json:"slaves,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Observer receives pacing-loop telemetry. Implementations must not
// block; NopObserver is used when the caller doesn't care.
type Observer interface {
	RecordFPS(actual float64)
	RecordSkipped(n int)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) RecordFPS(float64) {}
func (NopObserver) RecordSkipped(int) {}

// OpenReaderFunc opens the archive named by a playback_init message.
type OpenReaderFunc func(filename string) (*pxld.Reader, error)

// Session is one connection's playback state machine. The zero value is
// not usable; construct with New.
type Session struct {
	mu sync.Mutex

	state        State
	reader       *pxld.Reader
	openReader   OpenReaderFunc
	filename     string
	slaveID      int
	fps          uint8
	totalFrames  uint32
	currentFrame uint32
	initSlaveIDs []int

	playing     bool
	stopRequest bool
	taskDone    chan struct{}

	emit     func(Event)
	observer Observer
}

// New creates a session that opens archives via openReader and sends
// every outbound event to emit. observer may be nil.
func New(openReader OpenReaderFunc, emit func(Event), observer Observer) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Session{
		state:      Uninitialized,
		openReader: openReader,
		emit:       emit,
		observer:   observer,
		slaveID:    -1,
	}
}

// State reports the session's current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init opens filename, binds slaveID (-1 meaning "all"), and moves the
// session to Ready.
func (s *Session) Init(filename string, slaveID int) error {
	reader, err := s.openReader(filename)
	if err != nil {
		s.emitEvent(Event{Type: "error", Message: fmt.Sprintf("init failed: %v", err)})
		return err
	}

	ids, err := frameZeroSlaveIDs(reader)
	if err != nil {
		reader.Close()
		s.emitEvent(Event{Type: "error", Message: fmt.Sprintf("init failed: %v", err)})
		return err
	}

	s.mu.Lock()
	if s.reader != nil {
		s.reader.Close()
	}
	s.reader = reader
	s.filename = filename
	s.slaveID = slaveID
	s.fps = reader.FPS()
	s.totalFrames = reader.TotalFrames()
	s.initSlaveIDs = ids
	s.currentFrame = 0
	s.state = Ready
	s.mu.Unlock()

	s.emitEvent(Event{
		Type:        "ready",
		Filename:    filename,
		FPS:         s.fps,
		TotalFrames: s.totalFrames,
		TotalSlaves: len(ids),
		SlaveIDs:    ids,
	})
	return nil
}

func frameZeroSlaveIDs(r *pxld.Reader) ([]int, error) {
	entries, err := r.SlaveEntries(0)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, int(e.SlaveID))
	}
	sort.Ints(ids)
	return ids, nil
}

// Play cancels any active pacing task, sets current_frame to the
// requested frame (or leaves it where it was), and spawns a new pacing
// task.
func (s *Session) Play(frame *uint32) error {
	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	prevDone := s.taskDone
	wasPlaying := s.playing
	s.stopRequest = true
	s.mu.Unlock()

	if wasPlaying && prevDone != nil {
		<-prevDone
	}

	s.mu.Lock()
	if frame != nil {
		s.currentFrame = clamp(*frame, s.totalFrames)
	}
	s.stopRequest = false
	s.playing = true
	s.state = Playing
	done := make(chan struct{})
	s.taskDone = done
	startFrame := s.currentFrame
	fps := s.fps
	s.mu.Unlock()

	go s.pacingLoop(done)

	s.emitEvent(Event{Type: "started", Frame: startFrame, FPS: fps})
	return nil
}

// Pause sets the stop-request flag, joins the pacing task, and
// broadcasts the frame it stopped at.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	done := s.taskDone
	wasPlaying := s.playing
	s.stopRequest = true
	s.playing = false
	s.state = Paused
	s.mu.Unlock()

	if wasPlaying && done != nil {
		<-done
	}

	s.mu.Lock()
	frame := s.currentFrame
	s.mu.Unlock()

	s.emitEvent(Event{Type: "paused", Frame: frame})
	return nil
}

// Stop sets the stop-request flag, joins the pacing task, resets
// current_frame to zero, and returns the session to Ready.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	done := s.taskDone
	wasPlaying := s.playing
	s.stopRequest = true
	s.playing = false
	s.state = Ready
	s.mu.Unlock()

	if wasPlaying && done != nil {
		<-done
	}

	// Reset only after the pacing task has exited, so an iteration that
	// was in flight cannot advance the frame past the reset.
	s.mu.Lock()
	s.currentFrame = 0
	s.mu.Unlock()

	s.emitEvent(Event{Type: "stopped"})
	return nil
}

// Seek clamps frame into range, updates current_frame without changing
// state, and emits that one frame.
func (s *Session) Seek(frame uint32) error {
	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	frame = clamp(frame, s.totalFrames)
	s.currentFrame = frame
	slaveID := s.slaveID
	s.mu.Unlock()

	return s.emitFrame(frame, slaveID)
}

// GetFrame emits a single frame's data without any state change.
func (s *Session) GetFrame(frame uint32, slaveID *int) error {
	s.mu.Lock()
	if s.state == Uninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	sid := s.slaveID
	if slaveID != nil {
		sid = *slaveID
	}
	s.mu.Unlock()

	return s.emitFrame(frame, sid)
}

func clamp(frame, total uint32) uint32 {
	if total == 0 {
		return 0
	}
	if frame >= total {
		return total - 1
	}
	return frame
}

func (s *Session) emitEvent(ev Event) {
	if s.emit != nil {
		s.emit(ev)
	}
}

// emitFrame reads and emits one frame without touching current_frame.
func (s *Session) emitFrame(frame uint32, slaveID int) error {
	s.mu.Lock()
	reader := s.reader
	total := s.totalFrames
	s.mu.Unlock()

	if reader == nil {
		return ErrNotInitialized
	}
	if frame >= total {
		s.emitEvent(Event{Type: "error", Message: fmt.Sprintf("frame %d out of range", frame), Frame: frame})
		return ErrFrameOutOfRange
	}

	ev, err := buildFrameEvent(reader, frame, slaveID)
	if err != nil {
		s.emitEvent(Event{Type: "error", Message: err.Error(), Frame: frame, SlaveID: slaveID})
		return err
	}
	s.emitEvent(ev)
	return nil
}

func buildFrameEvent(reader *pxld.Reader, frame uint32, slaveID int) (Event, error) {
	if slaveID == -1 {
		entries, err := reader.SlaveEntries(frame)
		if err != nil {
			return Event{}, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].SlaveID < entries[j].SlaveID })

		slaves := make([]SlaveFrame, 0, len(entries))
		for _, e := range entries {
			b, err := reader.SlaveRGBW(frame, int(e.SlaveID))
			if err != nil {
				return Event{}, err
			}
			slaves = append(slaves, SlaveFrame{
				SlaveID:    int(e.SlaveID),
				RGBWBase64: base64.StdEncoding.EncodeToString(b),
				PixelCount: int(e.PixelCount),
			})
		}
		return Event{Type: "frame_data_all", Frame: frame, Slaves: slaves}, nil
	}

	entries, err := reader.SlaveEntries(frame)
	if err != nil {
		return Event{}, err
	}
	pixelCount := 0
	for _, e := range entries {
		if int(e.SlaveID) == slaveID {
			pixelCount = int(e.PixelCount)
			break
		}
	}
	b, err := reader.SlaveRGBW(frame, slaveID)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       "frame_data",
		Frame:      frame,
		SlaveID:    slaveID,
		RGBWBase64: base64.StdEncoding.EncodeToString(b),
		PixelCount: pixelCount,
	}, nil
}

// pacingLoop runs until stop-request is observed. Emission happens
// under s.mu, which doubles as the lock the spec calls out to guard
// emission against a concurrent pause/stop — holding it across the
// check-then-emit section makes the two checks the cooperative model
// performs separately unnecessary here.
func (s *Session) pacingLoop(done chan struct{}) {
	defer close(done)

	s.mu.Lock()
	fps := s.fps
	s.mu.Unlock()
	if fps == 0 {
		return
	}
	period := time.Second / time.Duration(fps)

	iterations := 0
	skippedThisWindow := 0
	windowStart := time.Now()

	for {
		s.mu.Lock()
		if s.stopRequest {
			s.mu.Unlock()
			return
		}

		frame := s.currentFrame
		slaveID := s.slaveID
		reader := s.reader
		total := s.totalFrames

		start := time.Now()

		if reader != nil && total > 0 {
			ev, err := buildFrameEvent(reader, frame, slaveID)
			if err == nil {
				s.emitEvent(ev)
			} else {
				s.emitEvent(Event{Type: "error", Message: err.Error(), Frame: frame})
			}
		}

		if total > 0 {
			s.currentFrame++
			if s.currentFrame >= total {
				s.currentFrame = 0
			}
		}
		s.mu.Unlock()

		elapsed := time.Since(start)
		remaining := period - elapsed

		if remaining >= 0 {
			time.Sleep(remaining)
		} else {
			lag := -remaining
			skip := int(lag / period)
			if skip > 0 {
				s.mu.Lock()
				if total > 0 {
					next := s.currentFrame + uint32(skip)
					if next > total-1 {
						next = total - 1
					}
					s.currentFrame = next
				}
				s.mu.Unlock()
				skippedThisWindow += skip
			}
		}

		iterations++
		if fps > 0 && iterations%int(fps) == 0 {
			s.observer.RecordFPS(float64(fps) / time.Since(windowStart).Seconds())
			s.observer.RecordSkipped(skippedThisWindow)
			skippedThisWindow = 0
			windowStart = time.Now()
		}
	}
}

// Close releases the underlying reader. The session must already be
// stopped.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	s.state = Uninitialized
	return err
}
