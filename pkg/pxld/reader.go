// Package pxld implements the PXLD v3 random-access binary archive
// reader: header validation, frame-offset index construction, and
// per-frame slave-table / pixel-data slicing.
package pxld

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

const (
	fileHeaderSize  = 64
	frameHeaderSize = 32
	slaveEntrySize  = 24
)

// Failure kinds named in spec.md §4.6.
var (
	ErrBadMagic            = errors.New("pxld: bad magic")
	ErrUnsupportedVersion  = errors.New("pxld: unsupported version")
	ErrSizeMismatch        = errors.New("pxld: size mismatch")
	ErrIndexBoundsViolation = errors.New("pxld: index bounds violation")
	ErrSliceOutOfRange     = errors.New("pxld: slice out of range")
	ErrFrameIDOutOfRange   = errors.New("pxld: frame id out of range")
	ErrSlaveNotFound       = errors.New("pxld: slave not found")
	ErrCrcMismatch         = errors.New("pxld: crc32 mismatch")
)

// Header is the fixed 64-byte PXLD v3 file header.
type Header struct {
	Magic           string
	Major           uint8
	Minor           uint8
	FPS             uint8
	TotalSlaves     uint16
	TotalFrames     uint32
	TotalPixels     uint32
	FrameHeaderSize uint16
	SlaveEntrySize  uint16
	UDPPort         uint16
	FileCRC32       uint32
	ChecksumType    uint8
}

// SlaveEntry is one 24-byte slave-table row within a frame.
type SlaveEntry struct {
	SlaveID       uint8
	Flags         uint8
	ChannelStart  uint16
	ChannelCount  uint16
	PixelCount    uint16
	DataOffset    uint32
	DataLength    uint32
}

// Options configures how Open validates an archive.
type Options struct {
	// IncludeCRCField controls whether the file's own CRC32 field bytes
	// are included when recomputing the checksum over the file. The
	// source the original decoder was translated from computes
	// zlib.crc32 over the entire file including the stored CRC field;
	// this is the default here too (see SPEC_FULL.md §12 for the open
	// question this resolves).
	IncludeCRCField bool
}

// DefaultOptions matches the original decoder's behavior.
var DefaultOptions = Options{IncludeCRCField: true}

// Reader is an opened, indexed PXLD v3 archive. After Open returns, a
// Reader is immutable and safe for concurrent use from multiple
// goroutines for read operations; the underlying file handle is guarded
// internally against concurrent seeks.
type Reader struct {
	path          string
	Header        Header
	frameOffsets  []int64

	mu sync.Mutex
	f  *os.File
}

// Open reads the file header, validates it, optionally verifies the
// file's CRC32, and walks frame headers once to build the offset index.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pxld: open %s: %w", path, err)
	}

	r := &Reader{path: path, f: f}
	if err := r.parseHeader(opts); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.buildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader(opts Options) error {
	hdr := make([]byte, fileHeaderSize)
	if _, err := r.f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("pxld: read header: %w", err)
	}

	magic := string(hdr[0:4])
	if magic != "PXLD" {
		return fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}
	major := hdr[4]
	if major != 3 {
		return fmt.Errorf("%w: major=%d", ErrUnsupportedVersion, major)
	}

	h := Header{
		Magic:           magic,
		Major:           major,
		Minor:           hdr[5],
		FPS:             hdr[6],
		TotalSlaves:     binary.LittleEndian.Uint16(hdr[7:9]),
		TotalFrames:     binary.LittleEndian.Uint32(hdr[9:13]),
		TotalPixels:     binary.LittleEndian.Uint32(hdr[13:17]),
		FrameHeaderSize: binary.LittleEndian.Uint16(hdr[17:19]),
		SlaveEntrySize:  binary.LittleEndian.Uint16(hdr[19:21]),
		UDPPort:         binary.LittleEndian.Uint16(hdr[21:23]),
		FileCRC32:       binary.LittleEndian.Uint32(hdr[23:27]),
		ChecksumType:    hdr[27],
	}

	if h.FrameHeaderSize != frameHeaderSize {
		return fmt.Errorf("%w: frame_header_size=%d want %d", ErrSizeMismatch, h.FrameHeaderSize, frameHeaderSize)
	}
	if h.SlaveEntrySize != slaveEntrySize {
		return fmt.Errorf("%w: slave_entry_size=%d want %d", ErrSizeMismatch, h.SlaveEntrySize, slaveEntrySize)
	}

	if h.ChecksumType != 0 {
		if err := r.verifyCRC32(h.FileCRC32, opts); err != nil {
			return err
		}
	}

	r.Header = h
	return nil
}

func (r *Reader) verifyCRC32(want uint32, opts Options) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("pxld: read for crc32: %w", err)
	}
	if !opts.IncludeCRCField {
		// Zero out the stored CRC field's 4 bytes (offset 23..27) before
		// recomputing, matching a "CRC excludes itself" convention.
		data = append([]byte(nil), data...)
		for i := 23; i < 27; i++ {
			data[i] = 0
		}
	}
	got := crc32.ChecksumIEEE(data)
	if got != want {
		return fmt.Errorf("%w: got 0x%08X want 0x%08X", ErrCrcMismatch, got, want)
	}
	return nil
}

func (r *Reader) buildIndex() error {
	offsets := make([]int64, 0, r.Header.TotalFrames)
	cur := int64(fileHeaderSize)
	expectTableSize := uint32(r.Header.TotalSlaves) * slaveEntrySize

	for i := uint32(0); i < r.Header.TotalFrames; i++ {
		fh := make([]byte, frameHeaderSize)
		if _, err := r.f.ReadAt(fh, cur); err != nil {
			return fmt.Errorf("%w: frame %d header: %v", ErrIndexBoundsViolation, i, err)
		}
		slaveTableSize := binary.LittleEndian.Uint32(fh[8:12])
		pixelDataSize := binary.LittleEndian.Uint32(fh[12:16])

		if slaveTableSize != expectTableSize {
			return fmt.Errorf("%w: frame %d slave_table_size=%d want %d", ErrSizeMismatch, i, slaveTableSize, expectTableSize)
		}

		offsets = append(offsets, cur)
		cur += int64(frameHeaderSize) + int64(slaveTableSize) + int64(pixelDataSize)
	}

	r.frameOffsets = offsets
	return nil
}

// Close releases the archive's underlying file handle.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// frameRegion reads the frame header, slave table and pixel data for
// frameID, returning the raw slave table bytes and pixel data bytes.
func (r *Reader) frameRegion(frameID uint32) (slaveTable, pixelData []byte, err error) {
	if frameID >= uint32(len(r.frameOffsets)) {
		return nil, nil, fmt.Errorf("%w: frame %d total %d", ErrFrameIDOutOfRange, frameID, len(r.frameOffsets))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	off := r.frameOffsets[frameID]
	fh := make([]byte, frameHeaderSize)
	if _, err := r.f.ReadAt(fh, off); err != nil {
		return nil, nil, fmt.Errorf("%w: frame %d header: %v", ErrIndexBoundsViolation, frameID, err)
	}
	slaveTableSize := binary.LittleEndian.Uint32(fh[8:12])
	pixelDataSize := binary.LittleEndian.Uint32(fh[12:16])

	slaveTable = make([]byte, slaveTableSize)
	if _, err := r.f.ReadAt(slaveTable, off+frameHeaderSize); err != nil {
		return nil, nil, fmt.Errorf("%w: frame %d slave table: %v", ErrIndexBoundsViolation, frameID, err)
	}
	pixelData = make([]byte, pixelDataSize)
	if _, err := r.f.ReadAt(pixelData, off+frameHeaderSize+int64(slaveTableSize)); err != nil {
		return nil, nil, fmt.Errorf("%w: frame %d pixel data: %v", ErrIndexBoundsViolation, frameID, err)
	}
	return slaveTable, pixelData, nil
}

// SlaveEntries decodes and returns every slave-table row for frameID, in
// table order. It fails with ErrIndexBoundsViolation if any row's
// declared bounds do not fit inside the frame's pixel data region.
func (r *Reader) SlaveEntries(frameID uint32) ([]SlaveEntry, error) {
	slaveTable, pixelData, err := r.frameRegion(frameID)
	if err != nil {
		return nil, err
	}

	n := len(slaveTable) / slaveEntrySize
	out := make([]SlaveEntry, 0, n)
	for i := 0; i < n; i++ {
		e := slaveTable[i*slaveEntrySize : (i+1)*slaveEntrySize]
		entry := SlaveEntry{
			SlaveID:      e[0],
			Flags:        e[1],
			ChannelStart: binary.LittleEndian.Uint16(e[2:4]),
			ChannelCount: binary.LittleEndian.Uint16(e[4:6]),
			PixelCount:   binary.LittleEndian.Uint16(e[6:8]),
			DataOffset:   binary.LittleEndian.Uint32(e[8:12]),
			DataLength:   binary.LittleEndian.Uint32(e[12:16]),
		}
		if uint64(entry.DataOffset)+uint64(entry.DataLength) > uint64(len(pixelData)) {
			return nil, fmt.Errorf("%w: slave %d offset=%d len=%d pixel_data_size=%d",
				ErrIndexBoundsViolation, entry.SlaveID, entry.DataOffset, entry.DataLength, len(pixelData))
		}
		out = append(out, entry)
	}
	return out, nil
}

// SlaveRGBW returns a single slave's packed RGBW bytes for frameID, or
// (when slaveID == -1) the concatenation of every slave's bytes in
// ascending slave_id order. A length mismatch against
// pixel_count*4 is not fatal: the raw bytes are still returned.
func (r *Reader) SlaveRGBW(frameID uint32, slaveID int) ([]byte, error) {
	slaveTable, pixelData, err := r.frameRegion(frameID)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries(slaveTable, pixelData)
	if err != nil {
		return nil, err
	}

	if slaveID == -1 {
		sorted := append([]SlaveEntry(nil), entries...)
		sortBySlaveID(sorted)
		var out []byte
		for _, e := range sorted {
			b, err := sliceEntry(pixelData, e)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	}

	for _, e := range entries {
		if int(e.SlaveID) == slaveID {
			return sliceEntry(pixelData, e)
		}
	}
	return nil, fmt.Errorf("%w: slave %d frame %d", ErrSlaveNotFound, slaveID, frameID)
}

func decodeEntries(slaveTable, pixelData []byte) ([]SlaveEntry, error) {
	n := len(slaveTable) / slaveEntrySize
	out := make([]SlaveEntry, 0, n)
	for i := 0; i < n; i++ {
		e := slaveTable[i*slaveEntrySize : (i+1)*slaveEntrySize]
		out = append(out, SlaveEntry{
			SlaveID:      e[0],
			Flags:        e[1],
			ChannelStart: binary.LittleEndian.Uint16(e[2:4]),
			ChannelCount: binary.LittleEndian.Uint16(e[4:6]),
			PixelCount:   binary.LittleEndian.Uint16(e[6:8]),
			DataOffset:   binary.LittleEndian.Uint32(e[8:12]),
			DataLength:   binary.LittleEndian.Uint32(e[12:16]),
		})
	}
	return out, nil
}

func sliceEntry(pixelData []byte, e SlaveEntry) ([]byte, error) {
	end := uint64(e.DataOffset) + uint64(e.DataLength)
	if end > uint64(len(pixelData)) {
		return nil, fmt.Errorf("%w: offset=%d len=%d pixel_data_size=%d", ErrSliceOutOfRange, e.DataOffset, e.DataLength, len(pixelData))
	}
	return pixelData[e.DataOffset : e.DataOffset+e.DataLength], nil
}

func sortBySlaveID(entries []SlaveEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].SlaveID < entries[j-1].SlaveID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// TotalFrames is a convenience accessor matching spec.md's "total_frames".
func (r *Reader) TotalFrames() uint32 { return r.Header.TotalFrames }

// FPS is a convenience accessor.
func (r *Reader) FPS() uint8 { return r.Header.FPS }
