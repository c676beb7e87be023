// Package dispatch routes decoded (command, payload) pairs to registered
// handlers, keyed by command code. Handlers must not block on I/O; any
// long-running work is expected to be deferred to a separate goroutine
// by the handler itself.
package dispatch

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netlight/pixelpipe/pkg/schema"
)

// Context is the opaque per-dispatch context passed to every handler. It
// carries whatever collaborators a handler needs — most commonly a
// loopback send callback used by handlers that synthesize their own
// outbound frames (see pkg/fsactions).
type Context map[string]interface{}

// SendLoopback, when present in a Context, is a callback a handler can
// invoke to feed a locally synthesized frame back into the dispatcher
// without it touching any transport.
const SendLoopback = "send_loopback"

// Handler processes one decoded command.
type Handler func(ctx Context, values schema.Values)

// Dispatcher holds the command-code -> handler registry invoked by a
// stream parser's driver loop.
type Dispatcher struct {
	store    *schema.Store
	logger   *log.Logger
	handlers map[uint16]Handler

	mu       sync.Mutex
	limiters map[uint16]*rate.Limiter // keyed by source address
	// RateLimit bounds how many frames per second a single source
	// address may push through Dispatch before frames are silently
	// dropped; zero disables limiting. This is an ambient resilience
	// feature, not part of the wire protocol itself.
	RateLimit rate.Limit
	RateBurst int

	// OnDecoded, when set, is called with a command's schema name right
	// after its payload decodes successfully, before its handler runs —
	// so a caller can observe per-command decode counts (e.g. wired into
	// a metrics counter) without this package importing a metrics
	// library.
	OnDecoded func(cmdName string)
}

// New creates a Dispatcher bound to store for payload decoding.
func New(store *schema.Store, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		store:    store,
		logger:   logger,
		handlers: make(map[uint16]Handler),
		limiters: make(map[uint16]*rate.Limiter),
	}
}

// On registers fn as the handler for command code.
func (d *Dispatcher) On(code uint16, fn Handler) {
	d.handlers[code] = fn
}

// Dispatch decodes payload using the schema definition for code and
// invokes its registered handler. Unknown commands and undecodable
// payloads are logged and dropped; the dispatcher never returns an
// error to its caller because the stream parser driver loop must keep
// running regardless.
func (d *Dispatcher) Dispatch(code uint16, payload []byte, ctx Context) {
	cmd, ok := d.store.Get(code)
	if !ok {
		d.logger.Printf("dispatch: unknown command 0x%04X (schema not loaded)", code)
		return
	}

	values, err := schema.DecodePayload(cmd, payload)
	if err != nil {
		d.logger.Printf("dispatch: decode 0x%04X (%s) failed: %v", code, cmd.Name, err)
		return
	}

	if d.OnDecoded != nil {
		d.OnDecoded(cmd.Name)
	}

	fn, ok := d.handlers[code]
	if !ok {
		d.logger.Printf("dispatch: no handler for 0x%04X (%s)", code, cmd.Name)
		return
	}

	fn(ctx, values)
}

// Allow reports whether a frame from srcAddr should be processed, gating
// on RateLimit/RateBurst when configured. Callers feed every accepted
// frame's address through Allow before calling Dispatch; frames that are
// not allowed are dropped the same way a parse error would be.
func (d *Dispatcher) Allow(srcAddr uint16) bool {
	if d.RateLimit <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[srcAddr]
	if !ok {
		burst := d.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(d.RateLimit, burst)
		d.limiters[srcAddr] = lim
	}
	d.mu.Unlock()
	return lim.AllowN(time.Now(), 1)
}
