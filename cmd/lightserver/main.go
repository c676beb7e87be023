// Command lightserver is the server-side runtime: it accepts websocket
// connections, binds each to a playback session through the session
// adapter, and fans frames out across every connection attached to an
// archive's broadcast group, mirroring cmd/bluetooth-service's
// flag-driven startup shape.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/netlight/pixelpipe/pkg/broadcast"
	"github.com/netlight/pixelpipe/pkg/configstore"
	"github.com/netlight/pixelpipe/pkg/metrics"
	"github.com/netlight/pixelpipe/pkg/playback"
	"github.com/netlight/pixelpipe/pkg/pxld"
	"github.com/netlight/pixelpipe/pkg/redis"
	"github.com/netlight/pixelpipe/pkg/sessionadapter"
)

var (
	listenAddr  = flag.String("listen", ":8080", "HTTP listen address")
	archiveDir  = flag.String("archive-dir", "archives", "Directory PXLD archives are served from")
	configDir   = flag.String("config-dir", "configs/store", "Directory for per-slave mapping documents")
	queueSize   = flag.Int("queue-size", broadcast.DefaultQueueSize, "Per-member broadcast queue depth")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass   = flag.String("redis-pass", "", "Redis password")
	redisDB     = flag.Int("redis-db", 0, "Redis database number")
	crossRelay  = flag.Bool("cross-process-relay", true, "Bridge broadcast groups across processes over Redis")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	logger := log.Default()
	logger.Printf("Starting pixelpipe lightserver")
	logger.Printf("Listening on %s, archives from %s", *listenAddr, *archiveDir)

	redisClient, err := redis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		logger.Fatalf("redis connect: %v", err)
	}
	defer redisClient.Close()

	store, err := configstore.New(*configDir)
	if err != nil {
		logger.Fatalf("configstore: %v", err)
	}

	m := metrics.NewServer()
	hub := broadcast.New(*queueSize)
	hub.OnDrop = m.BroadcastDrops.Inc

	var relay *broadcast.Relay
	if *crossRelay {
		relay = broadcast.NewRelay(hub, redisClient, redisClient, logger)
		defer relay.Close()
	}

	openReader := func(filename string) (*pxld.Reader, error) {
		path := filepath.Join(*archiveDir, filepath.Base(filename))
		return pxld.Open(path, pxld.DefaultOptions)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/ws/session", func(w http.ResponseWriter, r *http.Request) {
		handleSession(w, r, upgrader, openReader, hub, relay, m, logger)
	})

	mux.HandleFunc("/mapping/", func(w http.ResponseWriter, r *http.Request) {
		handleMapping(w, r, store, logger)
	})

	logger.Printf("Ready")
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		logger.Fatalf("listen: %v", err)
	}
}

func handleSession(
	w http.ResponseWriter, r *http.Request,
	upgrader websocket.Upgrader,
	openReader playback.OpenReaderFunc,
	hub *broadcast.Hub,
	relay *broadcast.Relay,
	m *metrics.ServerMetrics,
	logger *log.Logger,
) {
	group := r.URL.Query().Get("group")
	if group == "" {
		group = "default"
	}
	role := sessionadapter.RoleController
	if r.URL.Query().Get("role") == "monitor" {
		role = sessionadapter.RoleMonitor
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("lightserver: upgrade: %v", err)
		return
	}

	var remote sessionadapter.Remote
	if relay != nil {
		unforward := relay.Forward(group)
		defer unforward()
		remote = relay
	}

	sessionID := r.RemoteAddr
	observer := m.ForSession(sessionID)

	adapter := sessionadapter.New(conn, openReader, hub, group, role, observer, remote, logger)
	adapter.SendConnectionEvent("connected to group " + group)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		adapter.HandleText(data)
	}

	adapter.Close()
}

// handleMapping serves and updates per-slave pixel mapping documents at
// /mapping/<slave_id>, the HTTP surface over pkg/configstore that lets
// an installer describe a slave's physical pixel layout.
func handleMapping(w http.ResponseWriter, r *http.Request, store *configstore.Store, logger *log.Logger) {
	idStr := filepath.Base(r.URL.Path)
	slaveID, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid slave id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		pixelCount := queryInt(r.URL.Query(), "pixel_count", 0)
		mapping, err := store.LoadMapping(slaveID, pixelCount)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapping, logger)
	case http.MethodPut, http.MethodPost:
		var mapping configstore.Mapping
		if err := decodeJSON(r, &mapping); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mapping.SlaveID = slaveID
		if err := store.SaveMapping(mapping); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("lightserver: encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
