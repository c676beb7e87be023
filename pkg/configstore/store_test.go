package configstore

import (
	"os"
	"path/filepath"
	"testing"
)

type slaveList struct {
	Slaves []int `json:"slaves"`
}

func TestLoadJSONReturnsDefaultWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	var got slaveList
	def := slaveList{Slaves: []int{1, 2, 3}}
	if err := s.LoadJSON("slaves.json", &got, def); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if len(got.Slaves) != 3 || got.Slaves[0] != 1 {
		t.Fatalf("got %+v, want default", got)
	}
	if s.Exists("slaves.json") {
		t.Fatal("LoadJSON must not persist the default")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	want := slaveList{Slaves: []int{4, 5}}
	if err := s.SaveJSON("slaves.json", want); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var got slaveList
	if err := s.LoadJSON("slaves.json", &got, slaveList{}); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if len(got.Slaves) != 2 || got.Slaves[1] != 5 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSaveJSONLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveJSON("x.json", map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "x.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestDefaultMappingRowMajorWidthClamp(t *testing.T) {
	cases := []struct {
		pixelCount  int
		wantWidth   int
		wantHeight  int
	}{
		{pixelCount: 0, wantWidth: 1, wantHeight: 1},
		{pixelCount: 5, wantWidth: 5, wantHeight: 1},
		{pixelCount: 20, wantWidth: 20, wantHeight: 1},
		{pixelCount: 45, wantWidth: 20, wantHeight: 3},
	}
	for _, c := range cases {
		m := DefaultMapping(7, c.pixelCount)
		if m.W != c.wantWidth || m.H != c.wantHeight {
			t.Fatalf("pixelCount=%d: got w=%d h=%d, want w=%d h=%d", c.pixelCount, m.W, m.H, c.wantWidth, c.wantHeight)
		}
		if len(m.Map) != c.pixelCount {
			t.Fatalf("pixelCount=%d: len(Map) = %d", c.pixelCount, len(m.Map))
		}
	}
}

func TestLoadMappingCreatesAndPersistsDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	m, err := s.LoadMapping(3, 10)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if m.SlaveID != 3 || m.W != 10 {
		t.Fatalf("unexpected mapping: %+v", m)
	}

	if _, err := os.Stat(filepath.Join(dir, "mapping_slave_3.json")); err != nil {
		t.Fatal("expected default mapping to be persisted on first load")
	}

	m2, err := s.LoadMapping(3, 99)
	if err != nil {
		t.Fatal(err)
	}
	if m2.W != 10 {
		t.Fatalf("second load should return persisted mapping, got w=%d", m2.W)
	}
}
