package sessionadapter

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netlight/pixelpipe/pkg/broadcast"
	"github.com/netlight/pixelpipe/pkg/playback"
	"github.com/netlight/pixelpipe/pkg/pxld"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messagesOfType(t string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, raw := range f.written {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func buildArchive(t *testing.T) string {
	t.Helper()
	const totalFrames = 5
	const fps = 40
	const slavePx = 3
	slaveLen := uint32(slavePx * 4)

	var body []byte
	for f := 0; f < totalFrames; f++ {
		fh := make([]byte, 32)
		binary.LittleEndian.PutUint32(fh[8:12], 24)
		binary.LittleEndian.PutUint32(fh[12:16], slaveLen)

		e := make([]byte, 24)
		binary.LittleEndian.PutUint16(e[6:8], slavePx)
		binary.LittleEndian.PutUint32(e[12:16], slaveLen)

		pixels := make([]byte, slaveLen)
		body = append(body, fh...)
		body = append(body, e...)
		body = append(body, pixels...)
	}

	hdr := make([]byte, 64)
	copy(hdr[0:4], "PXLD")
	hdr[4] = 3
	hdr[6] = fps
	binary.LittleEndian.PutUint16(hdr[7:9], 1)
	binary.LittleEndian.PutUint32(hdr[9:13], totalFrames)
	binary.LittleEndian.PutUint32(hdr[13:17], slavePx)
	binary.LittleEndian.PutUint16(hdr[17:19], 32)
	binary.LittleEndian.PutUint16(hdr[19:21], 24)

	dir := t.TempDir()
	path := filepath.Join(dir, "show.pxld")
	if err := os.WriteFile(path, append(hdr, body...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newAdapter(t *testing.T, hub *broadcast.Hub, group string, role Role, path string) (*Adapter, *fakeConn) {
	conn := &fakeConn{}
	open := func(string) (*pxld.Reader, error) { return pxld.Open(path, pxld.DefaultOptions) }
	a := New(conn, open, hub, group, role, nil, nil, nil)
	return a, conn
}

func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestControllerInitAndPlayEmitsReadyAndFrames(t *testing.T) {
	path := buildArchive(t)
	hub := broadcast.New(16)
	a, conn := newAdapter(t, hub, "room", RoleController, path)
	defer a.Close()

	initMsg, _ := json.Marshal(map[string]interface{}{"type": "playback_init", "filename": "show.pxld"})
	a.HandleText(initMsg)
	waitFor(t, func() bool { return len(conn.messagesOfType("ready")) == 1 }, time.Second)

	playMsg, _ := json.Marshal(map[string]interface{}{"type": "playback_play"})
	a.HandleText(playMsg)
	waitFor(t, func() bool { return len(conn.messagesOfType("frame_data_all")) >= 2 }, 2*time.Second)
}

func TestMonitorRoleDropsControlMessages(t *testing.T) {
	path := buildArchive(t)
	hub := broadcast.New(16)
	a, conn := newAdapter(t, hub, "room", RoleMonitor, path)
	defer a.Close()

	initMsg, _ := json.Marshal(map[string]interface{}{"type": "playback_init", "filename": "show.pxld"})
	a.HandleText(initMsg)

	time.Sleep(20 * time.Millisecond)
	if len(conn.messagesOfType("ready")) != 0 {
		t.Fatal("monitor role must not be able to init playback")
	}
}

func TestMonitorReceivesControllerFrames(t *testing.T) {
	path := buildArchive(t)
	hub := broadcast.New(16)

	controller, _ := newAdapter(t, hub, "shared-room", RoleController, path)
	defer controller.Close()
	monitor, monConn := newAdapter(t, hub, "shared-room", RoleMonitor, path)
	defer monitor.Close()

	initMsg, _ := json.Marshal(map[string]interface{}{"type": "playback_init", "filename": "show.pxld"})
	controller.HandleText(initMsg)

	waitFor(t, func() bool { return len(monConn.messagesOfType("ready")) == 1 }, time.Second)
}

func TestUnknownMessageTypeYieldsError(t *testing.T) {
	path := buildArchive(t)
	hub := broadcast.New(16)
	a, conn := newAdapter(t, hub, "room", RoleController, path)
	defer a.Close()

	msg, _ := json.Marshal(map[string]interface{}{"type": "not_a_real_type"})
	a.HandleText(msg)

	waitFor(t, func() bool { return len(conn.messagesOfType("error")) == 1 }, time.Second)
}

func TestCloseDetachesFromHub(t *testing.T) {
	path := buildArchive(t)
	hub := broadcast.New(16)
	a, _ := newAdapter(t, hub, "room", RoleController, path)

	if hub.MemberCount("room") != 1 {
		t.Fatal("expected 1 member before close")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if hub.MemberCount("room") != 0 {
		t.Fatal("expected 0 members after close")
	}
}
