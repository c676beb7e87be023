// Package sessionadapter bridges a client connection's textual
// playback_* messages to a playback.Session, and forwards the
// session's outbound events through a broadcast.Hub so every attached
// connection — including read-only observers — receives them.
package sessionadapter

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/netlight/pixelpipe/pkg/broadcast"
	"github.com/netlight/pixelpipe/pkg/playback"
)

// Role controls whether a connection may issue playback control
// messages or only observe.
type Role int

const (
	RoleController Role = iota
	RoleMonitor
)

// textMessage matches gorilla/websocket.TextMessage so callers can pass
// a *websocket.Conn as Conn without this package importing gorilla.
const textMessage = 1

// Conn is the minimal transport surface the adapter needs. *websocket.Conn
// satisfies it directly.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Remote mirrors a locally-published event out to other processes.
// *broadcast.Relay satisfies it directly. A nil Remote (the default when
// no cross-process relay is configured) disables outbound mirroring.
type Remote interface {
	PublishRemote(group string, frame []byte)
}

// incoming is the shape of every client-issued textual message; unused
// fields are simply left zero for a given message type.
type incoming struct {
	Type     string  `json:"type"`
	Filename string  `json:"filename"`
	SlaveID  *int    `json:"slave_id"`
	Frame    *uint32 `json:"frame"`
}

var controlMessageTypes = map[string]bool{
	"playback_init":      true,
	"playback_play":      true,
	"playback_pause":     true,
	"playback_stop":      true,
	"playback_seek":      true,
	"playback_get_frame": true,
}

// Adapter owns one connection's playback session and its attachment to
// a broadcast group.
type Adapter struct {
	conn      Conn
	logger    *log.Logger
	session   *playback.Session
	hub       *broadcast.Hub
	groupName string
	role      Role
	member    *broadcast.Member
	remote    Remote

	writeMu sync.Mutex
	closed  bool
}

// New attaches to hub's groupName group, wires a fresh playback session
// whose events publish back into the group, and starts the goroutine
// that relays group frames out to conn. When remote is non-nil, every
// published event is also mirrored out through it (see pkg/broadcast.Relay)
// so other processes' hubs see the same traffic. Call Close when the
// connection ends.
func New(conn Conn, openReader playback.OpenReaderFunc, hub *broadcast.Hub, groupName string, role Role, observer playback.Observer, remote Remote, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		conn:      conn,
		logger:    logger,
		hub:       hub,
		groupName: groupName,
		role:      role,
		remote:    remote,
	}
	a.session = playback.New(openReader, a.publishEvent, observer)
	a.member = hub.Attach(groupName)

	go a.pumpGroup()
	return a
}

// SendConnectionEvent writes a one-off "connection" event directly to
// this connection, bypassing the broadcast group.
func (a *Adapter) SendConnectionEvent(message string) {
	a.writeEvent(playback.Event{Type: "connection", Message: message})
}

func (a *Adapter) pumpGroup() {
	for frame := range a.member.Frames {
		a.writeRaw(frame)
	}
}

// publishEvent is the playback session's emit sink: it marshals the
// event and fans it out to every session attached to this group. When a
// Remote is configured, the frame is published there instead of directly
// into the local hub: the caller is expected to already hold a Forward
// subscription for this group (see cmd/lightserver), so the frame finds
// its way back into the local hub exactly once, the same path a remote
// process's publish would take. Publishing to both would deliver every
// local event to local members twice.
func (a *Adapter) publishEvent(ev playback.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		a.logger.Printf("sessionadapter: marshal event: %v", err)
		return
	}
	if a.remote != nil {
		a.remote.PublishRemote(a.groupName, b)
		return
	}
	a.hub.Publish(a.groupName, b)
}

func (a *Adapter) writeEvent(ev playback.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		a.logger.Printf("sessionadapter: marshal event: %v", err)
		return
	}
	a.writeRaw(b)
}

func (a *Adapter) writeRaw(b []byte) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.closed {
		return
	}
	if err := a.conn.WriteMessage(textMessage, b); err != nil {
		a.logger.Printf("sessionadapter: write: %v", err)
	}
}

// HandleText parses one incoming textual message and drives the
// playback session accordingly. Monitor-role connections have every
// control message silently dropped.
func (a *Adapter) HandleText(data []byte) {
	var msg incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		a.writeEvent(playback.Event{Type: "error", Message: fmt.Sprintf("invalid message: %v", err)})
		return
	}

	if a.role == RoleMonitor && controlMessageTypes[msg.Type] {
		return
	}

	slaveID := -1
	if msg.SlaveID != nil {
		slaveID = *msg.SlaveID
	}

	var err error
	switch msg.Type {
	case "playback_init":
		err = a.session.Init(msg.Filename, slaveID)
	case "playback_play":
		err = a.session.Play(msg.Frame)
	case "playback_pause":
		err = a.session.Pause()
	case "playback_stop":
		err = a.session.Stop()
	case "playback_seek":
		if msg.Frame == nil {
			a.writeEvent(playback.Event{Type: "error", Message: "playback_seek requires frame"})
			return
		}
		err = a.session.Seek(*msg.Frame)
	case "playback_get_frame":
		if msg.Frame == nil {
			a.writeEvent(playback.Event{Type: "error", Message: "playback_get_frame requires frame"})
			return
		}
		err = a.session.GetFrame(*msg.Frame, msg.SlaveID)
	default:
		a.writeEvent(playback.Event{Type: "error", Message: fmt.Sprintf("unknown message type: %s", msg.Type)})
		return
	}

	if err != nil {
		a.logger.Printf("sessionadapter: %s: %v", msg.Type, err)
	}
}

// Close stops the playback session, detaches from the broadcast group,
// and closes the underlying connection.
func (a *Adapter) Close() error {
	a.session.Stop()
	a.session.Close()
	a.hub.Detach(a.groupName, a.member)

	a.writeMu.Lock()
	a.closed = true
	a.writeMu.Unlock()

	return a.conn.Close()
}
