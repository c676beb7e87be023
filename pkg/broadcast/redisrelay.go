package broadcast

import (
	"log"
)

// Publisher is the publishing half of pkg/redis.Client a Relay needs: a
// channel publish, matching Client.Publish.
type Publisher interface {
	Publish(channel string, message string) error
}

// Subscriber mirrors Client.Subscribe's shape without pulling in
// go-redis's message type, so Relay only depends on the byte payload it
// actually needs.
type Subscriber interface {
	SubscribeBytes(channel string) (<-chan []byte, func())
}

// channelPrefix namespaces every group's Redis pub/sub channel so the
// hub's own process-local traffic never collides with another
// publisher on the same Redis instance.
const channelPrefix = "pixelpipe:broadcast:"

// Relay bridges one Hub to Redis pub/sub so that frames published on
// one process's hub reach every other process's hub attached to the
// same group name — the multi-process fan-out spec.md's broadcast hub
// doesn't itself describe, built on top of it rather than replacing it.
type Relay struct {
	hub  *Hub
	pub  Publisher
	sub  Subscriber
	log  *log.Logger
	stop chan struct{}
}

// NewRelay wires hub to a Redis-backed cross-process channel. Call
// Forward for every group name this process also wants populated by
// other processes' publishes.
func NewRelay(hub *Hub, pub Publisher, sub Subscriber, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{hub: hub, pub: pub, sub: sub, log: logger, stop: make(chan struct{})}
}

// PublishRemote mirrors a locally-published frame out to Redis, for a
// caller that wants both local (in-process) and remote delivery. It is
// the counterpart to Forward: PublishRemote fans a frame OUT, Forward
// brings frames IN from other processes.
func (r *Relay) PublishRemote(group string, frame []byte) {
	if err := r.pub.Publish(channelPrefix+group, string(frame)); err != nil {
		r.log.Printf("broadcast: redis publish %s: %v", group, err)
	}
}

// Forward subscribes to group's Redis channel and republishes every
// message it receives into the local hub, so members attached on this
// process see frames published by any process. The returned unsubscribe
// func stops relaying for this group.
func (r *Relay) Forward(group string) func() {
	ch, unsub := r.sub.SubscribeBytes(channelPrefix + group)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case frame, ok := <-ch:
				if !ok {
					return
				}
				r.hub.Publish(group, frame)
			case <-r.stop:
				return
			}
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// Close stops every relay goroutine spawned by Forward calls that have
// not already been individually unsubscribed.
func (r *Relay) Close() {
	close(r.stop)
}
