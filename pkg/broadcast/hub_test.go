package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAttachPublishDetach(t *testing.T) {
	h := New(4)
	m := h.Attach("room-a")
	require.Equal(t, 1, h.MemberCount("room-a"))

	h.Publish("room-a", []byte("hello"))
	select {
	case got := <-m.Frames:
		require.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}

	h.Detach("room-a", m)
	require.Equal(t, 0, h.MemberCount("room-a"))
	_, ok := <-m.Frames
	require.False(t, ok, "expected Frames to be closed after Detach")
}

func TestPublishFansOutToAllMembers(t *testing.T) {
	h := New(4)
	a := h.Attach("room")
	b := h.Attach("room")

	h.Publish("room", []byte("frame"))

	for _, m := range []*Member{a, b} {
		select {
		case got := <-m.Frames:
			require.Equal(t, "frame", string(got))
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestPublishToUnknownGroupDoesNotPanic(t *testing.T) {
	h := New(4)
	h.Publish("nobody-home", []byte("x"))
}

func TestSlowMemberDropsOldestAndNeverBlocksPublish(t *testing.T) {
	h := New(2)
	m := h.Attach("room")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish("room", []byte{byte(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow member")
	}

	require.NotZero(t, h.OldestDropCount())

	// The queue should still hold the most recent frames, not stale ones.
	last := byte(255)
	for {
		select {
		case v := <-m.Frames:
			last = v[0]
			continue
		default:
		}
		break
	}
	require.Equal(t, byte(9), last, "last queued frame should be the most recent publish")
}

func TestDetachUnknownMemberIsNoop(t *testing.T) {
	h := New(2)
	h.Attach("room")
	stray := &Member{Frames: make(chan []byte, 1)}
	h.Detach("room", stray) // must not panic, must not affect the real member
	require.Equal(t, 1, h.MemberCount("room"), "expected real member to remain attached")
}
