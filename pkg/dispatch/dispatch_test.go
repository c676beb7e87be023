package dispatch

import (
	"os"
	"testing"

	"github.com/netlight/pixelpipe/pkg/schema"
)

func newStoreWithPing(t *testing.T) *schema.Store {
	t.Helper()
	s := schema.NewStore()
	dir := t.TempDir()
	path := dir + "/cmds.yaml"
	content := "cmds:\n  - cmd: \"0x0001\"\n    name: PING\n    payload: []\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDispatchInvokesHandler(t *testing.T) {
	s := newStoreWithPing(t)
	d := New(s, nil)

	got := false
	d.On(0x0001, func(ctx Context, values schema.Values) {
		got = true
		if values["_name"].(string) != "PING" {
			t.Fatalf("_name = %v", values["_name"])
		}
	})

	d.Dispatch(0x0001, nil, Context{})
	if !got {
		t.Fatal("handler was not invoked")
	}
}

func TestDispatchUnknownCommandDoesNotPanic(t *testing.T) {
	s := schema.NewStore()
	d := New(s, nil)
	d.Dispatch(0xFFFE, nil, Context{})
}

func TestDispatchMissingHandlerDoesNotPanic(t *testing.T) {
	s := newStoreWithPing(t)
	d := New(s, nil)
	d.Dispatch(0x0001, nil, Context{})
}

func TestAllowPassesEverythingWhenRateLimitDisabled(t *testing.T) {
	s := newStoreWithPing(t)
	d := New(s, nil)
	d.RateLimit = 0 // disabled: always allow
	if !d.Allow(1) {
		t.Fatal("expected Allow to return true when RateLimit disabled")
	}
}
