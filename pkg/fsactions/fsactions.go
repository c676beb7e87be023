// Package fsactions implements the slave-side filesystem introspection
// commands: FS_TREE_GET answers with a single-packet directory tree
// listing, and FS_SNAP_GET builds a JSON snapshot of a directory and
// loops it back through the file receiver as a BEGIN/CHUNK/END triplet.
package fsactions

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/netlight/pixelpipe/pkg/dispatch"
	"github.com/netlight/pixelpipe/pkg/schema"
)

// Command codes from spec.md §6's command table.
const (
	CmdFSTreeGet uint16 = 0x1205
	CmdFSTreeRsp uint16 = 0x1206
	CmdFSSnapGet uint16 = 0x1213
	CmdFileBegin uint16 = 0x2001
	CmdFileChunk uint16 = 0x2002
	CmdFileEnd   uint16 = 0x2003
)

// LoopbackFunc re-injects a command+payload into the dispatcher as if it
// had arrived over the wire, without ever touching a transport.
type LoopbackFunc func(cmd uint16, payload []byte)

// Register wires the FS_TREE_GET and FS_SNAP_GET handlers onto d,
// encoding outbound payloads against the commands registered in store.
func Register(d *dispatch.Dispatcher, store *schema.Store) {
	d.On(CmdFSTreeGet, func(ctx dispatch.Context, values schema.Values) {
		handleTreeGet(ctx, values, store)
	})
	d.On(CmdFSSnapGet, func(ctx dispatch.Context, values schema.Values) {
		handleSnapGet(ctx, values, store)
	})
}

func loopback(ctx dispatch.Context) (LoopbackFunc, bool) {
	v, ok := ctx[dispatch.SendLoopback]
	if !ok {
		return nil, false
	}
	fn, ok := v.(LoopbackFunc)
	return fn, ok
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func intOr(v interface{}, def int) int {
	switch n := v.(type) {
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func handleTreeGet(ctx dispatch.Context, values schema.Values, store *schema.Store) {
	path := stringOr(values["path"], "/")
	maxDepth := intOr(values["max_depth"], 10)
	includeSize := intOr(values["include_size"], 0) != 0
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 16 {
		maxDepth = 16
	}

	lines := walkTreeLines(path, maxDepth, includeSize, "", 0)
	tree := path + "\n" + strings.Join(lines, "\n")

	lb, ok := loopback(ctx)
	if !ok {
		return
	}
	cmd, ok := store.Get(CmdFSTreeRsp)
	if !ok {
		return
	}
	payload, err := schema.EncodePayload(cmd, schema.Values{"path": path, "tree": tree})
	if err != nil {
		return
	}
	lb(CmdFSTreeRsp, payload)
}

func walkTreeLines(root string, maxDepth int, includeSize bool, prefix string, depth int) []string {
	names, err := readSortedDir(root)
	if err != nil {
		return []string{fmt.Sprintf("%s[ERR] %v", prefix, err)}
	}

	var lines []string
	for i, name := range names {
		isLast := i == len(names)-1
		branch := "├─ "
		nextPrefix := prefix + "│  "
		if isLast {
			branch = "└─ "
			nextPrefix = prefix + "   "
		}

		full := joinPath(root, name.Name())
		if name.IsDir() {
			lines = append(lines, fmt.Sprintf("%s%s%s/", prefix, branch, name.Name()))
			if depth+1 < maxDepth {
				lines = append(lines, walkTreeLines(full, maxDepth, includeSize, nextPrefix, depth+1)...)
			}
			continue
		}

		if includeSize {
			if info, err := os.Stat(full); err == nil {
				lines = append(lines, fmt.Sprintf("%s%s%s (%d)", prefix, branch, name.Name(), info.Size()))
				continue
			}
		}
		lines = append(lines, fmt.Sprintf("%s%s%s", prefix, branch, name.Name()))
	}
	return lines
}

func readSortedDir(root string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func joinPath(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	if strings.HasSuffix(base, "/") {
		return base + name
	}
	return base + "/" + name
}

type snapEntry struct {
	Parent string `json:"p"`
	Name   string `json:"n"`
	Type   string `json:"t"`
	Size   *int64 `json:"s,omitempty"`
}

type snapshot struct {
	Root        string      `json:"root"`
	MaxDepth    int         `json:"max_depth"`
	IncludeSize int         `json:"include_size"`
	Entries     []snapEntry `json:"entries"`
}

func buildSnapshot(root string, maxDepth int, includeSize bool) snapshot {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 32 {
		maxDepth = 32
	}

	s := snapshot{Root: root, MaxDepth: maxDepth}
	if includeSize {
		s.IncludeSize = 1
	}
	s.Entries = walkSnapshot(root, maxDepth, includeSize, 0)
	return s
}

func walkSnapshot(parent string, maxDepth int, includeSize bool, depth int) []snapEntry {
	names, err := readSortedDir(parent)
	if err != nil {
		return nil
	}

	var entries []snapEntry
	for _, name := range names {
		full := joinPath(parent, name.Name())
		if name.IsDir() {
			entries = append(entries, snapEntry{Parent: parent, Name: name.Name(), Type: "d"})
			if depth+1 < maxDepth {
				entries = append(entries, walkSnapshot(full, maxDepth, includeSize, depth+1)...)
			}
			continue
		}

		e := snapEntry{Parent: parent, Name: name.Name(), Type: "f"}
		if includeSize {
			if info, err := os.Stat(full); err == nil {
				sz := info.Size()
				e.Size = &sz
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func handleSnapGet(ctx dispatch.Context, values schema.Values, store *schema.Store) {
	root := stringOr(values["path"], "/")
	outPath := stringOr(values["out_path"], "/fs_snapshot.json")
	maxDepth := intOr(values["max_depth"], 20)
	includeSize := intOr(values["include_size"], 1) != 0

	snap := buildSnapshot(root, maxDepth, includeSize)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return
	}

	lb, ok := loopback(ctx)
	if !ok {
		return
	}
	// dst_addr is the broadcast address, which every node's destination
	// gate accepts: the triplet loops back into this node's own file
	// receiver rather than travelling out over a transport.
	sendFileTripletLoopback(outPath, "/rx_snapshot.json", 0xFFFF, 99, 1024, lb, store)
}

func sendFileTripletLoopback(srcPath, dstPath string, dstAddr uint16, fileID uint32, chunkSize int, lb LoopbackFunc, store *schema.Store) bool {
	beginCmd, ok := store.Get(CmdFileBegin)
	if !ok {
		return false
	}
	chunkCmd, ok := store.Get(CmdFileChunk)
	if !ok {
		return false
	}
	endCmd, ok := store.Get(CmdFileEnd)
	if !ok {
		return false
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	var sha [32]byte
	copy(sha[:], h.Sum(nil))

	beginPayload, err := schema.EncodePayload(beginCmd, schema.Values{
		"dst_addr":   dstAddr,
		"file_id":    fileID,
		"total_size": uint32(info.Size()),
		"chunk_size": uint16(chunkSize),
		"sha256":     sha[:],
		"path":       dstPath,
	})
	if err != nil {
		return false
	}
	lb(CmdFileBegin, beginPayload)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	buf := make([]byte, chunkSize)
	var off uint32
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunkPayload, encErr := schema.EncodePayload(chunkCmd, schema.Values{
				"dst_addr": dstAddr,
				"file_id":  fileID,
				"offset":   off,
				"data":     append([]byte(nil), buf[:n]...),
			})
			if encErr == nil {
				lb(CmdFileChunk, chunkPayload)
			}
			off += uint32(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}
	}

	endPayload, err := schema.EncodePayload(endCmd, schema.Values{"dst_addr": dstAddr, "file_id": fileID})
	if err != nil {
		return false
	}
	lb(CmdFileEnd, endPayload)
	return true
}
