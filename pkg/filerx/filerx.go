// Package filerx implements the single-session chunked file-transfer
// receiver state machine: BEGIN allocates and opens a destination file,
// CHUNK writes at an offset, END closes and verifies a SHA-256 digest.
package filerx

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
)

// Error values surfaced through LastError/End, matching the taxonomy in
// spec.md §7.
var (
	ErrNoActiveSession = errors.New("filerx: no active session")
	ErrFileIDMismatch  = errors.New("filerx: file id mismatch")
	ErrOutOfRange      = errors.New("filerx: chunk out of range")
	ErrOpenFail        = errors.New("filerx: open failed")
	ErrWriteFail       = errors.New("filerx: write failed")
	ErrShaMismatch     = errors.New("filerx: sha256 mismatch")
)

// BeginArgs carries the fields of a FILE_BEGIN message relevant to the
// receiver (the destination-address gate is applied by the caller before
// Begin is invoked; see spec.md §4.5).
type BeginArgs struct {
	FileID     uint32
	TotalSize  uint32
	ChunkSize  uint16
	SHA256     [32]byte
	Path       string
}

// ChunkArgs carries the fields of a FILE_CHUNK message.
type ChunkArgs struct {
	FileID uint32
	Offset uint32
	Data   []byte
}

// EndArgs carries the fields of a FILE_END message.
type EndArgs struct {
	FileID uint32
}

// Receiver is a single-session file-transfer state machine. At most one
// session may be active; a new BEGIN implicitly resets any in-flight
// session, matching spec.md §4.5's "Active --BEGIN(new)--> Active".
//
// Not safe for concurrent use from multiple goroutines; the slave
// runtime drives one Receiver from its single dispatch loop.
type Receiver struct {
	active    bool
	fileID    uint32
	total     uint32
	chunkSize uint16
	shaExpect [32]byte
	path      string
	written   uint32
	f         *os.File
	lastError error

	// preallocate is overridable in tests; production code leaves it as
	// the platform-specific default (see preallocate_unix.go).
	preallocate func(f *os.File, total uint32) error
}

// New returns a Receiver in the Idle state.
func New() *Receiver {
	r := &Receiver{}
	r.preallocate = preallocateFast
	return r
}

// Active reports whether a file transfer session is currently open.
func (r *Receiver) Active() bool { return r.active }

// LastError returns the most recent error recorded by this session, or
// nil. It is cleared at the start of every Begin.
func (r *Receiver) LastError() error { return r.lastError }

// Written returns the number of payload bytes written so far in the
// current (or most recent) session.
func (r *Receiver) Written() uint32 { return r.written }

// Begin opens a new receive session, preallocating the destination file.
// It closes any previously open session first (implicit reset). On any
// failure it records LastError and leaves the receiver Idle.
func (r *Receiver) Begin(args BeginArgs) error {
	r.closeHandle()
	r.reset()

	r.fileID = args.FileID
	r.total = args.TotalSize
	r.chunkSize = args.ChunkSize
	r.shaExpect = args.SHA256
	r.path = args.Path
	r.written = 0

	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.lastError = fmt.Errorf("%w: %v", ErrOpenFail, err)
		r.active = false
		return r.lastError
	}

	if err := r.preallocate(f, r.total); err != nil {
		f.Close()
		r.lastError = fmt.Errorf("%w: %v", ErrOpenFail, err)
		r.active = false
		return r.lastError
	}

	r.f = f
	r.active = true
	return nil
}

// Chunk writes a block of data at its declared offset. It requires the
// session to be active and the chunk's file_id to match. On write
// failure the session remains Active so that a subsequent END fails on
// digest mismatch rather than silently losing data.
func (r *Receiver) Chunk(args ChunkArgs) error {
	if !r.active || r.f == nil {
		r.lastError = ErrNoActiveSession
		return r.lastError
	}
	if args.FileID != r.fileID {
		r.lastError = ErrFileIDMismatch
		return r.lastError
	}
	if uint64(args.Offset)+uint64(len(args.Data)) > uint64(r.total) {
		r.lastError = ErrOutOfRange
		return r.lastError
	}

	if _, err := r.f.WriteAt(args.Data, int64(args.Offset)); err != nil {
		r.lastError = fmt.Errorf("%w: %v", ErrWriteFail, err)
		return r.lastError
	}
	r.written += uint32(len(args.Data))
	return nil
}

// End closes the file, verifies its SHA-256 digest against the value
// declared at Begin, and returns the receiver to Idle regardless of the
// outcome. It returns ErrFileIDMismatch without closing the file if
// file_id doesn't match the active session (the session is left exactly
// as it was, per spec.md §4.5).
func (r *Receiver) End(args EndArgs) error {
	if !r.active {
		r.lastError = ErrNoActiveSession
		return r.lastError
	}
	if args.FileID != r.fileID {
		r.lastError = ErrFileIDMismatch
		return r.lastError
	}

	r.closeHandle()

	got, err := sha256File(r.path)
	if err != nil {
		r.lastError = fmt.Errorf("%w: %v", ErrWriteFail, err)
		r.active = false
		return r.lastError
	}

	r.active = false
	if got != r.shaExpect {
		r.lastError = fmt.Errorf("%w: expected %x got %x", ErrShaMismatch, r.shaExpect, got)
		return r.lastError
	}
	r.lastError = nil
	return nil
}

func (r *Receiver) reset() {
	r.active = false
	r.fileID = 0
	r.total = 0
	r.chunkSize = 0
	r.shaExpect = [32]byte{}
	r.path = ""
	r.written = 0
	r.lastError = nil
}

func (r *Receiver) closeHandle() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

func sha256File(path string) ([32]byte, error) {
	var digest [32]byte
	f, err := os.Open(path)
	if err != nil {
		return digest, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
