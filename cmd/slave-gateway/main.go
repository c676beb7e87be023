// Command slave-gateway is the slave-side runtime: it owns the serial
// transport, the stream parser, the command schema, and the dispatcher
// that routes decoded frames to the file receiver and filesystem
// introspection handlers, mirroring cmd/bluetooth-service's shape with
// a UART-framed nRF52 link replaced by the wire protocol's own parser.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/netlight/pixelpipe/pkg/dispatch"
	"github.com/netlight/pixelpipe/pkg/filerx"
	"github.com/netlight/pixelpipe/pkg/fsactions"
	"github.com/netlight/pixelpipe/pkg/metrics"
	"github.com/netlight/pixelpipe/pkg/protocol"
	"github.com/netlight/pixelpipe/pkg/redis"
	"github.com/netlight/pixelpipe/pkg/schema"
	"github.com/netlight/pixelpipe/pkg/streamparser"
	"github.com/netlight/pixelpipe/pkg/transport/serialbus"
)

var (
	serialDevice = flag.String("serial", "/dev/ttymxc1", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	nodeAddr     = flag.Uint("addr", 1, "This node's wire address")
	schemaDir    = flag.String("schema-dir", "configs/schema", "Directory of command schema YAML documents")
	maxPayload   = flag.Int("max-payload", protocol.DefaultMaxPayloadLen, "Maximum accepted payload length")
	rateLimit    = flag.Float64("rate-limit", 0, "Frames/sec accepted per source address, 0 disables limiting")
	rateBurst    = flag.Int("rate-burst", 4, "Burst size for the per-source rate limiter")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	statusKey    = flag.String("status-key", "pixelpipe:slave", "Redis hash key this node reports status under")
	metricsAddr  = flag.String("metrics-addr", ":9100", "HTTP listen address for /metrics, empty disables it")
)

// PING/PONG codes from spec.md §6's command table.
const (
	cmdPing uint16 = 0x0001
	cmdPong uint16 = 0x0002
)

// slaveStatusField is the hash field name this gateway reports itself
// under within statusKey, keyed by this node's own address so a single
// Redis hash can hold every slave's last-known state.
func slaveStatusField(addr uint) string {
	return "node_" + strconv.FormatUint(uint64(addr), 10)
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	logger := log.Default()
	logger.Printf("Starting pixelpipe slave-gateway")
	logger.Printf("Serial device: %s baud: %d addr: %d", *serialDevice, *baudRate, *nodeAddr)

	redisClient, err := redis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		logger.Fatalf("redis connect: %v", err)
	}
	defer redisClient.Close()

	m := metrics.NewGateway()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("metrics: listen on %s: %v", *metricsAddr, err)
			}
		}()
	}

	store := schema.NewStore()
	if err := store.LoadDir(*schemaDir); err != nil {
		logger.Fatalf("load command schema: %v", err)
	}

	d := dispatch.New(store, logger)
	if *rateLimit > 0 {
		d.RateLimit = rate.Limit(*rateLimit)
		d.RateBurst = *rateBurst
	}
	d.OnDecoded = func(cmdName string) {
		m.FramesDecoded.WithLabelValues(cmdName).Inc()
	}

	receiver := filerx.New()
	selfAddr := uint16(*nodeAddr)

	var bus *serialbus.Bus

	// sendWire packs and transmits a frame over the real serial link; it
	// is the reply path for commands genuinely destined for the remote
	// peer (e.g. PING -> PONG), not for locally-synthesized traffic.
	sendWire := func(cmd uint16, payload []byte) {
		wire, perr := protocol.Pack(cmd, payload, protocol.AddrBroadcast, protocol.CurrentVersion, *maxPayload)
		if perr != nil {
			logger.Printf("slave-gateway: pack 0x%04X: %v", cmd, perr)
			return
		}
		if bus == nil {
			return
		}
		if werr := bus.Write(wire); werr != nil {
			logger.Printf("slave-gateway: write 0x%04X: %v", cmd, werr)
		}
	}

	// loopbackDispatch re-feeds a locally-synthesized frame straight back
	// into the dispatcher without ever touching the transport — the pure
	// software loopback fsactions relies on for FS_TREE_RSP and its
	// FS_SNAP_GET-triggered FILE_BEGIN/CHUNK/END triplet (see
	// original_source/slave/test.py's send_loopback). Dispatch runs
	// synchronously on whatever goroutine calls it, so this must never
	// be used to reach a blocking I/O path.
	var loopbackDispatch func(cmd uint16, payload []byte)
	loopbackDispatch = func(cmd uint16, payload []byte) {
		ctx := dispatch.Context{dispatch.SendLoopback: fsactions.LoopbackFunc(loopbackDispatch)}
		d.Dispatch(cmd, payload, ctx)
	}

	d.On(fsactions.CmdFileBegin, func(ctx dispatch.Context, values schema.Values) {
		if !destinedForSelf(values, selfAddr) {
			return
		}
		args := filerx.BeginArgs{
			FileID:    asU32(values["file_id"]),
			TotalSize: asU32(values["total_size"]),
			ChunkSize: asU16(values["chunk_size"]),
			Path:      asStr(values["path"]),
		}
		copy(args.SHA256[:], asBytesVal(values["sha256"]))
		if err := receiver.Begin(args); err != nil {
			logger.Printf("filerx: begin: %v", err)
			m.FileTransferErr.WithLabelValues("begin").Inc()
			if status := reportTransferErr(redisClient, *statusKey, selfAddr, "begin", err); status != nil {
				logger.Printf("redis: %v", status)
			}
		}
	})
	d.On(fsactions.CmdFileChunk, func(ctx dispatch.Context, values schema.Values) {
		if !destinedForSelf(values, selfAddr) {
			return
		}
		args := filerx.ChunkArgs{
			FileID: asU32(values["file_id"]),
			Offset: asU32(values["offset"]),
			Data:   asBytesVal(values["data"]),
		}
		if err := receiver.Chunk(args); err != nil {
			logger.Printf("filerx: chunk: %v", err)
			m.FileTransferErr.WithLabelValues("chunk").Inc()
		}
	})
	d.On(fsactions.CmdFileEnd, func(ctx dispatch.Context, values schema.Values) {
		if !destinedForSelf(values, selfAddr) {
			return
		}
		args := filerx.EndArgs{FileID: asU32(values["file_id"])}
		err := receiver.End(args)
		if err != nil {
			logger.Printf("filerx: end: %v", err)
			m.FileTransferErr.WithLabelValues("end").Inc()
		}
		if perr := redisClient.WriteAndPublishString(*statusKey, slaveStatusField(*nodeAddr), transferStatus(err)); perr != nil {
			logger.Printf("redis: publish transfer status: %v", perr)
		}
	})
	d.On(cmdPing, func(ctx dispatch.Context, values schema.Values) {
		sendWire(cmdPong, nil)
	})

	fsactions.Register(d, store)

	parser := streamparser.New(
		streamparser.WithMaxPayloadLen(*maxPayload),
		streamparser.WithAcceptAddr(selfAddr),
	)

	var lastDropBytes uint64
	onFrame := func(f protocol.Frame) {
		if delta := parser.DropBytes - lastDropBytes; delta > 0 {
			m.DropBytes.Add(float64(delta))
			lastDropBytes = parser.DropBytes
		}
		if !d.Allow(f.Addr) {
			return
		}
		ctx := dispatch.Context{dispatch.SendLoopback: fsactions.LoopbackFunc(loopbackDispatch)}
		d.Dispatch(f.Cmd, f.Payload, ctx)
	}

	bus, err = serialbus.Open(*serialDevice, *baudRate, parser, onFrame, logger)
	if err != nil {
		logger.Fatalf("open serial bus: %v", err)
	}
	defer bus.Close()
	logger.Printf("Connected to serial transport")

	if err := redisClient.WriteAndPublishString(*statusKey, slaveStatusField(*nodeAddr), "connected"); err != nil {
		logger.Printf("redis: publish connected status: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := redisClient.WriteAndPublishString(*statusKey, slaveStatusField(*nodeAddr), "disconnected"); err != nil {
		logger.Printf("redis: publish disconnected status: %v", err)
	}
	logger.Printf("Shutting down...")
}

// destinedForSelf applies spec.md §4.5's destination gate to a decoded
// FILE_* payload's dst_addr field: only self or broadcast may proceed.
func destinedForSelf(values schema.Values, self uint16) bool {
	dst := asU16(values["dst_addr"])
	return dst == self || dst == protocol.AddrBroadcast
}

func transferStatus(err error) string {
	if err != nil {
		return "transfer_failed:" + err.Error()
	}
	return "transfer_ok"
}

func reportTransferErr(c *redis.Client, key string, addr uint16, stage string, err error) error {
	return c.WriteAndPublishString(key, slaveStatusField(uint(addr)), "error:"+stage+":"+err.Error())
}

func asU16(v interface{}) uint16 {
	switch t := v.(type) {
	case uint16:
		return t
	case uint8:
		return uint16(t)
	default:
		return 0
	}
}

func asU32(v interface{}) uint32 {
	if t, ok := v.(uint32); ok {
		return t
	}
	return 0
}

func asStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBytesVal(v interface{}) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}
	return nil
}
