// Package broadcast implements the named pub/sub fan-out hub that sits
// between the playback engine and connected sessions: every frame
// published to a group reaches every attached member's queue, and a
// slow member never stalls the publisher.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-member bounded queue depth used when a
// caller does not specify one.
const DefaultQueueSize = 32

// Member is a single subscriber attached to a group. Frames is the
// channel the subscriber reads from; it is closed on Detach.
type Member struct {
	ID     uuid.UUID
	Frames chan []byte
}

type group struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Member
}

// Hub multiplexes named broadcast groups, each with its own set of
// bounded-queue members. A group is created lazily on first Attach and
// removed once its last member detaches.
type Hub struct {
	mu         sync.Mutex
	groups     map[string]*group
	queueSize  int
	oldestDrop uint64 // count of frames dropped because a member's queue was full
	dropMu     sync.Mutex

	// OnDrop, when set, is called once for every frame discarded because
	// a member's queue was full — so a caller can observe drops (e.g.
	// wired into a metrics counter) without this package importing a
	// metrics library.
	OnDrop func()
}

// New creates a Hub whose member queues hold queueSize frames each.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{groups: make(map[string]*group), queueSize: queueSize}
}

// Attach creates (if needed) the named group and adds a new member to
// it, returning the member for the caller to read Frames from.
func (h *Hub) Attach(name string) *Member {
	h.mu.Lock()
	g, ok := h.groups[name]
	if !ok {
		g = &group{members: make(map[uuid.UUID]*Member)}
		h.groups[name] = g
	}
	h.mu.Unlock()

	m := &Member{ID: uuid.New(), Frames: make(chan []byte, h.queueSize)}
	g.mu.Lock()
	g.members[m.ID] = m
	g.mu.Unlock()
	return m
}

// Detach removes a member from the named group, closing its Frames
// channel. Removing the last member of a group drops the group itself.
func (h *Hub) Detach(name string, m *Member) {
	h.mu.Lock()
	g, ok := h.groups[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	g.mu.Lock()
	if _, present := g.members[m.ID]; present {
		delete(g.members, m.ID)
		close(m.Frames)
	}
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, name)
	}
	h.mu.Unlock()
}

// Publish fans frame out to every member of the named group. A member
// whose queue is full has its oldest queued frame dropped to make room
// — Publish itself never blocks.
func (h *Hub) Publish(name string, frame []byte) {
	h.mu.Lock()
	g, ok := h.groups[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	members := make([]*Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	g.mu.Unlock()

	for _, m := range members {
		h.deliver(m, frame)
	}
}

func (h *Hub) deliver(m *Member, frame []byte) {
	select {
	case m.Frames <- frame:
		return
	default:
	}

	// Queue full: drop the oldest queued frame and retry once.
	select {
	case <-m.Frames:
		h.countDrop()
	default:
	}

	select {
	case m.Frames <- frame:
	default:
		// Another publisher raced us and refilled the slot; give up
		// rather than block.
		h.countDrop()
	}
}

func (h *Hub) countDrop() {
	h.dropMu.Lock()
	h.oldestDrop++
	h.dropMu.Unlock()
	if h.OnDrop != nil {
		h.OnDrop()
	}
}

// MemberCount reports how many members are currently attached to name.
func (h *Hub) MemberCount(name string) int {
	h.mu.Lock()
	g, ok := h.groups[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// OldestDropCount reports how many frames were discarded across all
// groups because a member's queue was full.
func (h *Hub) OldestDropCount() uint64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return h.oldestDrop
}
