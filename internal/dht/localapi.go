package dht

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/vesper/internal/ratelimit"
)

// LocalAPI exposes a node's state as a localhost HTTP API plus a websocket
// event stream. All endpoints are prefixed with /local/ and return JSON.
type LocalAPI struct {
	node *Node
}

// NewLocalAPI creates a LocalAPI wrapping the given node.
func NewLocalAPI(node *Node) *LocalAPI {
	return &LocalAPI{node: node}
}

// Handler returns an http.Handler routing the API endpoints. Mount it on a
// localhost-only server.
func (api *LocalAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/local/health", api.handleHealth)
	mux.HandleFunc("/local/peers", api.handlePeers)
	mux.HandleFunc("/local/records", api.handleRecords)
	mux.HandleFunc("/local/info", api.handleInfo)
	mux.HandleFunc("/local/events", api.handleEvents)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth responds with node liveness basics.
// GET /local/health
func (api *LocalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": api.node.ID().String(),
		"port":    api.node.Port(),
		"peers":   api.node.Table().Size(),
		"records": api.node.Records().Len(),
	})
}

// handlePeers lists the routing table.
// GET /local/peers
func (api *LocalAPI) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type peerEntry struct {
		ID       string    `json:"id"`
		Address  string    `json:"address"`
		Port     int       `json:"port"`
		LastSeen time.Time `json:"last_seen"`
		Active   bool      `json:"active"`
	}

	all := api.node.Table().All()
	peers := make([]peerEntry, 0, len(all))
	for _, p := range all {
		peers = append(peers, peerEntry{
			ID:       p.ID.String(),
			Address:  p.Address,
			Port:     p.Port,
			LastSeen: p.LastSeen(),
			Active:   p.Active(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleRecords lists locally held records by display key.
// GET /local/records
func (api *LocalAPI) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := api.node.Records().Entries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type recordEntry struct {
		Key         string    `json:"key"`
		Size        int       `json:"size"`
		PublishedAt time.Time `json:"published_at"`
	}
	records := make([]recordEntry, 0, len(entries))
	for _, rec := range entries {
		records = append(records, recordEntry{
			Key:         rec.Key.String(),
			Size:        len(rec.Value),
			PublishedAt: rec.PublishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// handleInfo reports the node's connectivity view: identifier, endpoints,
// and the NAT classifier's latest verdict.
// GET /local/info
func (api *LocalAPI) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":    api.node.ID().String(),
		"port":       api.node.Port(),
		"connection": api.node.Puncher().Info(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventStreamRate is the average number of events per minute one websocket
// subscriber may be sent; up to this many more can go out at once as a
// burst.
const eventStreamRate = 120

// handleEvents upgrades to a websocket and streams node events as JSON
// until the client disconnects or the node shuts down.
// GET /local/events
func (api *LocalAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dht: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := api.node.Events().Subscribe()
	defer cancel()

	limiter := ratelimit.New(eventStreamRate, time.Minute)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !limiter.Allow() {
				continue // shed events rather than stall the node
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-api.node.Done():
			return
		}
	}
}
