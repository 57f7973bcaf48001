// Graph server maintains the statistics pipeline for every configured
// card and pushes assembled chart payloads to dashboard widgets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/esgraph/energy_graph_server/pkg/chart"
	"github.com/esgraph/energy_graph_server/pkg/config"
	"github.com/esgraph/energy_graph_server/pkg/grapher"
	"github.com/esgraph/energy_graph_server/pkg/hastats"
	"github.com/esgraph/energy_graph_server/pkg/statcache"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Widgets connect from the HA frontend origin
	},
}

// widgetMessage is what a card widget sends over its socket.
type widgetMessage struct {
	Type         string `json:"type"`
	Visible      *bool  `json:"visible,omitempty"`
	Start        *int64 `json:"start,omitempty"`
	End          *int64 `json:"end,omitempty"`
	CompareStart *int64 `json:"compare_start,omitempty"`
	CompareEnd   *int64 `json:"compare_end,omitempty"`
}

// cardHub tracks the widgets and latest payload of one card.
type cardHub struct {
	card   *config.CardConfig
	engine *grapher.Engine

	mu           sync.RWMutex
	clients      map[*websocket.Conn]bool
	visibleCount int
	latest       []byte
	latestModel  *chart.Payload
}

var (
	hubsMutex sync.RWMutex
	hubs      = make(map[string]*cardHub)
)

func main() {
	// Load config
	if err := config.LoadGraphServerConfig(); err != nil {
		log.Fatalf("Failed to load graph server config: %v", err)
	}
	cfg := config.ActiveGraphServerConfig

	statcache.InitializeDatabase()
	if cfg.CacheRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.CacheRetentionDays).UnixMilli()
		if err := statcache.PruneBefore(cutoff); err != nil {
			log.Printf("Warning: cache prune failed: %v", err)
		}
	}

	client := hastats.NewClient(cfg.HomeAssistant)
	client.Start()
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := client.WaitReady(waitCtx); err != nil {
		log.Printf("Warning: Home Assistant not reachable yet, continuing: %v", err)
	}
	cancel()

	cards, err := config.LoadCardConfigs()
	if err != nil {
		log.Fatalf("Failed to load card configs: %v", err)
	}
	if len(cards) == 0 {
		log.Println("No card configs found, add YAML files to the cards directory.")
	}

	for _, card := range cards {
		hub := &cardHub{card: card, clients: make(map[*websocket.Conn]bool)}
		hub.engine = grapher.NewEngine(card, client, cfg.Theme, hub.broadcast)
		hubsMutex.Lock()
		hubs[card.ID] = hub
		hubsMutex.Unlock()
		hub.engine.Start()
		log.Printf("Started engine for card %s", card.ID)
	}

	router := mux.NewRouter()
	router.HandleFunc("/", handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/cards", handleListCards).Methods(http.MethodGet)
	router.HandleFunc("/api/cards/{id}/chart", handleChart).Methods(http.MethodGet)
	router.HandleFunc("/api/cards/{id}/tooltip", handleTooltip).Methods(http.MethodGet)
	router.HandleFunc("/ws", handleWebSocket)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet}),
	)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
		Handler: handlers.CombinedLoggingHandler(os.Stdout, cors(router)),
	}

	go func() {
		log.Printf("Starting energy graph server on %s", server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	log.Println("Interrupt received, shutting down...")

	hubsMutex.RLock()
	for _, hub := range hubs {
		hub.engine.Stop()
	}
	hubsMutex.RUnlock()
	client.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	hubsMutex.RLock()
	cardCount := len(hubs)
	hubsMutex.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message": "Energy Graph Server",
		"status":  "running",
		"cards":   cardCount,
	})
}

func handleListCards(w http.ResponseWriter, r *http.Request) {
	hubsMutex.RLock()
	cards := make([]*config.CardConfig, 0, len(hubs))
	for _, hub := range hubs {
		cards = append(cards, hub.card)
	}
	hubsMutex.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cards)
}

func getHub(r *http.Request) *cardHub {
	id := mux.Vars(r)["id"]
	hubsMutex.RLock()
	defer hubsMutex.RUnlock()
	return hubs[id]
}

func handleChart(w http.ResponseWriter, r *http.Request) {
	hub := getHub(r)
	w.Header().Set("Content-Type", "application/json")
	if hub == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Unknown card"})
		return
	}
	hub.mu.RLock()
	latest := hub.latest
	hub.mu.RUnlock()
	if latest == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "No chart data available yet"})
		return
	}
	w.Write(latest)
}

func handleTooltip(w http.ResponseWriter, r *http.Request) {
	hub := getHub(r)
	w.Header().Set("Content-Type", "application/json")
	if hub == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Unknown card"})
		return
	}
	var ts int64
	if _, err := fmt.Sscan(r.URL.Query().Get("ts"), &ts); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Missing or invalid ts parameter"})
		return
	}
	hub.mu.RLock()
	model := hub.latestModel
	hub.mu.RUnlock()
	if model == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "No chart data available yet"})
		return
	}
	json.NewEncoder(w).Encode(chart.TooltipAt(model, ts))
}

func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cardID := r.URL.Query().Get("card")
	hubsMutex.RLock()
	hub := hubs[cardID]
	hubsMutex.RUnlock()
	if hub == nil {
		http.Error(w, "Unknown card", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	hub.addClient(conn)

	// Send current payload immediately if available
	hub.mu.RLock()
	latest := hub.latest
	hub.mu.RUnlock()
	if latest != nil {
		conn.WriteMessage(websocket.TextMessage, latest)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			hub.removeClient(conn)
			break
		}
		var msg widgetMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse widget message: %v", err)
			continue
		}
		hub.handleMessage(conn, &msg)
	}
}

func (h *cardHub) handleMessage(conn *websocket.Conn, msg *widgetMessage) {
	switch msg.Type {
	case "visibility":
		if msg.Visible == nil {
			return
		}
		h.mu.Lock()
		if *msg.Visible {
			h.visibleCount++
		} else if h.visibleCount > 0 {
			h.visibleCount--
		}
		visible := h.visibleCount > 0
		h.mu.Unlock()
		h.engine.SetVisible(visible)
	case "energy_period":
		if msg.Start == nil || msg.End == nil {
			return
		}
		start := time.UnixMilli(*msg.Start)
		end := time.UnixMilli(*msg.End)
		var compareStart, compareEnd *time.Time
		if msg.CompareStart != nil && msg.CompareEnd != nil {
			cs := time.UnixMilli(*msg.CompareStart)
			ce := time.UnixMilli(*msg.CompareEnd)
			compareStart, compareEnd = &cs, &ce
		}
		h.engine.SetEnergyPeriod(start, end, compareStart, compareEnd)
	default:
		log.Printf("Received unexpected widget message type: %s", msg.Type)
	}
}

// broadcast caches the payload and fans it out to every connected
// widget of the card.
func (h *cardHub) broadcast(payload *chart.Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal payload for card %s: %v", h.card.ID, err)
		return
	}

	h.mu.Lock()
	h.latest = data
	h.latestModel = payload
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.removeClient(client)
		}
	}
}

func (h *cardHub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.visibleCount++
	visible := h.visibleCount > 0
	h.mu.Unlock()
	h.engine.SetVisible(visible)
}

func (h *cardHub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	if !h.clients[conn] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	if h.visibleCount > 0 {
		h.visibleCount--
	}
	visible := h.visibleCount > 0
	h.mu.Unlock()
	h.engine.SetVisible(visible)
	conn.Close()
}
