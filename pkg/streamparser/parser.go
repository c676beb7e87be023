// Package streamparser implements the incremental frame demarcator that
// survives fragmentation, coalescing, noise and CRC corruption on a
// byte-oriented transport (TCP or serial).
package streamparser

import (
	"bytes"
	"encoding/binary"

	"github.com/netlight/pixelpipe/pkg/protocol"
)

// Parser is a stateful demarcator holding a growable receive buffer. It
// never blocks and never errors terminally: bytes that are not part of a
// valid frame are absorbed into DropBytes.
//
// Not safe for concurrent use; a Parser is meant to be owned by a single
// reader goroutine per transport, matching the single-threaded
// cooperative model described for the slave runtime.
type Parser struct {
	maxLen     int
	acceptAddr *uint16
	buf        []byte

	// DropBytes counts bytes discarded while resynchronizing, exposed so
	// callers can wire it into a metrics gauge/counter.
	DropBytes uint64
}

// Option configures a Parser at construction time.
type Option func(*Parser)

// WithMaxPayloadLen overrides protocol.DefaultMaxPayloadLen.
func WithMaxPayloadLen(n int) Option {
	return func(p *Parser) { p.maxLen = n }
}

// WithAcceptAddr installs an address filter: frames whose address is
// neither addr nor protocol.AddrBroadcast are consumed but not yielded.
func WithAcceptAddr(addr uint16) Option {
	return func(p *Parser) { p.acceptAddr = &addr }
}

// New creates a Parser ready to accept fed bytes.
func New(opts ...Option) *Parser {
	p := &Parser{maxLen: protocol.DefaultMaxPayloadLen}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed appends newly arrived bytes to the parser's internal buffer.
func (p *Parser) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
}

// Pop consumes the longest prefix of the buffer that contains full, valid
// frames and returns them in byte-arrival order. It is safe to call Pop
// repeatedly after each Feed; frames are never re-yielded.
func (p *Parser) Pop() []protocol.Frame {
	var out []protocol.Frame
	for {
		f, ok := p.popOne()
		if !ok {
			break
		}
		if f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// popOne attempts to decode a single frame from the front of the buffer.
// It returns (frame, true) when it made forward progress and a frame was
// yielded, (nil, true) when it made forward progress but the frame was
// filtered out by the address filter, and (nil, false) when the buffer
// holds no further decodable prefix and the caller should stop.
func (p *Parser) popOne() (*protocol.Frame, bool) {
	if !p.resyncToPreamble() {
		return nil, false
	}
	if len(p.buf) < protocol.HeaderLen {
		return nil, false
	}

	version := p.buf[2]
	addr := binary.LittleEndian.Uint16(p.buf[3:5])
	cmd := binary.LittleEndian.Uint16(p.buf[5:7])
	length := int(binary.LittleEndian.Uint16(p.buf[7:9]))

	if version != protocol.CurrentVersion || length > p.maxLen {
		p.dropFront(1)
		return nil, true
	}

	frameLen := protocol.HeaderLen + length + protocol.CRCLen
	if len(p.buf) < frameLen {
		return nil, false
	}

	payload := append([]byte(nil), p.buf[protocol.HeaderLen:protocol.HeaderLen+length]...)
	gotCRC := binary.LittleEndian.Uint16(p.buf[protocol.HeaderLen+length : frameLen])
	wantCRC := protocol.CRC16(p.buf[2:protocol.HeaderLen+length], protocol.InitialCRC16)
	if gotCRC != wantCRC {
		p.dropFront(1)
		return nil, true
	}

	p.consumeFront(frameLen)

	if p.acceptAddr != nil && addr != *p.acceptAddr && addr != protocol.AddrBroadcast {
		return nil, true
	}

	return &protocol.Frame{Version: version, Addr: addr, Cmd: cmd, Payload: payload}, true
}

// resyncToPreamble finds the next preamble at the front of the buffer,
// dropping any leading noise. It reports whether there is at least a
// full header's worth of bytes available after resyncing.
func (p *Parser) resyncToPreamble() bool {
	if len(p.buf) < 2 {
		return false
	}
	idx := bytes.Index(p.buf, protocol.Preamble[:])
	if idx < 0 {
		// No preamble in the buffer at all; keep only the last byte in
		// case it is the first half of a preamble that straddles the
		// next Feed.
		p.dropKeepLast(1)
		return false
	}
	if idx > 0 {
		p.dropFront(idx)
	}
	return len(p.buf) >= protocol.HeaderLen
}

// dropFront discards n leading bytes as noise/corruption, counting them
// toward DropBytes for observability.
func (p *Parser) dropFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(p.buf) {
		p.DropBytes += uint64(len(p.buf))
		p.buf = p.buf[:0]
		return
	}
	p.DropBytes += uint64(n)
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

// consumeFront removes n leading bytes that were successfully decoded as
// part of a valid frame; these do not count as dropped.
func (p *Parser) consumeFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(p.buf) {
		p.buf = p.buf[:0]
		return
	}
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

func (p *Parser) dropKeepLast(nLast int) {
	if nLast <= 0 {
		p.DropBytes += uint64(len(p.buf))
		p.buf = p.buf[:0]
		return
	}
	if len(p.buf) > nLast {
		p.DropBytes += uint64(len(p.buf) - nLast)
		p.buf = append(p.buf[:0], p.buf[len(p.buf)-nLast:]...)
	}
}
