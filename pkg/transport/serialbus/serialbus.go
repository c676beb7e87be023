// Package serialbus feeds bytes read from a serial port into a
// streamparser.Parser, giving the slave side a transport whose framing
// is entirely owned by the shared wire-protocol parser rather than its
// own ad hoc state machine.
package serialbus

import (
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/netlight/pixelpipe/pkg/protocol"
	"github.com/netlight/pixelpipe/pkg/streamparser"
)

// Port is the subset of serial.Port that Bus depends on, narrow enough
// that tests can supply an in-memory fake instead of a real device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OnFrame is invoked once per decoded frame, from the Bus's read
// goroutine. Handlers must not block for long; a dispatcher callback
// is expected to return quickly and hand off any slow work itself.
type OnFrame func(f protocol.Frame)

// Bus owns one open serial port and the parser fed by its reads.
type Bus struct {
	port    Port
	parser  *streamparser.Parser
	onFrame OnFrame
	logger  *log.Logger

	writeMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open clears the port's attributes with a throwaway open/close cycle
// (matching how the teacher's UART driver guards against a stale line
// discipline), then opens it for real at baud with the given parser.
// Decoded frames are delivered to onFrame from the read goroutine as
// they are parsed out of the byte stream.
func Open(portName string, baud int, parser *streamparser.Parser, onFrame OnFrame, logger *log.Logger) (*Bus, error) {
	if logger == nil {
		logger = log.Default()
	}

	if err := clearAttributes(portName, baud); err != nil {
		return nil, err
	}

	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}

	return newBus(port, parser, onFrame, logger), nil
}

// newBus wires a Bus around an already-open Port, letting tests supply a
// fake in place of a real device.
func newBus(port Port, parser *streamparser.Parser, onFrame OnFrame, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{
		port:    port,
		parser:  parser,
		onFrame: onFrame,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b
}

func clearAttributes(portName string, baud int) error {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return err
	}
	if err := port.Close(); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (b *Bus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		n, err := b.port.Read(buf)
		if err != nil {
			if err != io.EOF {
				b.logger.Printf("serialbus: read error: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}
		b.parser.Feed(buf[:n])
		for _, f := range b.parser.Pop() {
			if b.onFrame != nil {
				b.onFrame(f)
			}
		}
	}
}

// Write sends raw bytes (a fully packed wire frame) out the port.
func (b *Bus) Write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := b.port.Write(data)
	return err
}

// Close stops the read loop and closes the port. The port is closed
// before waiting so that a read loop blocked in Read is released.
func (b *Bus) Close() error {
	close(b.stopCh)
	err := b.port.Close()
	b.wg.Wait()
	return err
}
