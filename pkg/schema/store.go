package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Store maps command codes to their definitions, built by loading any
// number of YAML documents from a directory. Duplicate codes across
// documents are overridden by later loads; load order is the sorted
// filename order within the directory.
type Store struct {
	cmds map[uint16]*Command
}

// NewStore returns an empty store. Use LoadDir or LoadFile to populate it.
func NewStore() *Store {
	return &Store{cmds: make(map[uint16]*Command)}
}

// LoadDir loads every *.yaml/*.yml file in dir, in sorted filename order.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("schema: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.LoadFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads a single schema document, overriding any command codes
// it redefines.
func (s *Store) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("schema: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema: parse %s: %w", path, err)
	}

	for _, rc := range doc.Cmds {
		code, err := cmdToInt(rc.Cmd)
		if err != nil {
			return fmt.Errorf("schema: %s: %w", path, err)
		}
		s.cmds[code] = &Command{Code: code, Name: rc.Name, Payload: rc.Payload}
	}
	return nil
}

// Get looks up a command definition by code. The second return value is
// false if no definition is loaded for that code.
func (s *Store) Get(code uint16) (*Command, bool) {
	c, ok := s.cmds[code]
	return c, ok
}

// cmdToInt accepts either a YAML integer or a "0x"-prefixed hex string
// for a command code, matching the leniency of the original
// cmd_str_to_int helper.
func cmdToInt(v interface{}) (uint16, error) {
	switch t := v.(type) {
	case int:
		return uint16(t), nil
	case int64:
		return uint16(t), nil
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		base := 10
		if strings.HasPrefix(s, "0x") {
			s = s[2:]
			base = 16
		}
		n, err := strconv.ParseInt(s, base, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid command code %q: %w", v, err)
		}
		return uint16(n), nil
	default:
		return 0, fmt.Errorf("invalid command code type %T", v)
	}
}
