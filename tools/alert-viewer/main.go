// Alert Viewer - live clinical risk alert display
// Consumes flag and alert topics from Kafka and pushes them to browsers over WebSocket
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

// AlertEvent is a risk flag message from Kafka.
type AlertEvent struct {
	EventType string    `json:"eventType"`
	SessionID string    `json:"sessionId"`
	TeamID    string    `json:"teamId"`
	Pass      string    `json:"pass"`
	Timestamp int64     `json:"timestamp"`
	Flag      AlertFlag `json:"flag"`
}

// AlertFlag carries the fields of a risk flag the viewer renders.
type AlertFlag struct {
	ID                         string  `json:"id"`
	Type                       string  `json:"type"`
	Severity                   string  `json:"severity"`
	Confidence                 float64 `json:"confidence"`
	MatchedText                string  `json:"matchedText"`
	Context                    string  `json:"context"`
	SessionRelativeTimestampMs int64   `json:"sessionRelativeTimestampMs"`
}

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// decodeAlert parses a Kafka value and applies the severity and team filters.
func decodeAlert(value []byte, minSeverity, team string) (AlertEvent, bool, error) {
	var event AlertEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, false, err
	}
	if severityRank[event.Flag.Severity] < severityRank[minSeverity] {
		return event, false, nil
	}
	if team != "" && event.TeamID != team {
		return event, false, nil
	}
	return event, true, nil
}

// Hub manages WebSocket connections
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan AlertEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan AlertEvent, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// run owns the client set; only this goroutine touches it.
func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
			}
			return

		case conn := <-h.register:
			h.clients[conn] = true
			log.Printf("Client connected. Total: %d", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			log.Printf("Client disconnected. Total: %d", len(h.clients))

		case event := <-h.broadcast:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					log.Printf("Write error: %v", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		hub.register <- conn

		// Keep connection alive, handle disconnects
		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, wg *sync.WaitGroup, hub *Hub, brokers, topic, group, minSeverity, team string) {
	defer wg.Done()

	cfg := kafka.ReaderConfig{
		Brokers:  strings.Split(brokers, ","),
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	if group != "" {
		cfg.GroupID = group
	} else {
		// Partition reader without consumer group (works better through port-forward)
		cfg.Partition = 0
	}
	reader := kafka.NewReader(cfg)
	defer reader.Close()

	if group == "" {
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour)); err != nil {
			log.Printf("Seek on %s failed, reading from the start: %v", topic, err)
		}
	}
	log.Printf("Consuming from Kafka topic: %s (min severity %s)", topic, minSeverity)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		event, ok, err := decodeAlert(msg.Value, minSeverity, team)
		if err != nil {
			log.Printf("JSON unmarshal error: %v", err)
			continue
		}
		if !ok {
			continue
		}

		log.Printf("Received %s %s/%s session=%s: %s",
			event.EventType, event.Flag.Type, event.Flag.Severity, event.SessionID, truncate(event.Flag.MatchedText, 40))
		select {
		case hub.broadcast <- event:
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	port := flag.String("port", "8082", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topics := flag.String("topics", "clinical.session.risk.alerts", "Topics to consume (comma-separated)")
	group := flag.String("group", "", "Consumer group (empty reads partition 0 from the last hour)")
	minSeverity := flag.String("min-severity", "high", "Lowest severity shown (low, medium, high, critical)")
	team := flag.String("team", "", "Only show alerts for this care team")
	flag.Parse()

	if _, ok := severityRank[*minSeverity]; !ok {
		log.Fatalf("Unknown severity %q", *minSeverity)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := newHub()
	go hub.run(ctx)

	var wg sync.WaitGroup
	for _, topic := range strings.Split(*topics, ",") {
		wg.Add(1)
		go consumeKafka(ctx, &wg, hub, *brokers, strings.TrimSpace(topic), *group, *minSeverity, *team)
	}

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", wsHandler(hub))

	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Alert Viewer starting on http://localhost:%s", *port)
	log.Printf("   Kafka brokers: %s", *brokers)
	log.Printf("   Topics: %s", *topics)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Server error: %v", err)
		cancel()
	}
	wg.Wait()
}
