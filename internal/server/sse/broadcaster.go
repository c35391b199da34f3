// Package sse provides Server-Sent Events broadcasting for the audit
// server. Pipeline progress events fan out to every connected client.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds writes to SSE clients so one stale connection
// cannot stall a broadcast.
const WriteTimeout = 2 * time.Second

// Client represents a connected SSE client.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
}

// Broadcaster manages SSE client connections and message fan-out.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", id).Int("totalClients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient drops a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	count := len(b.clients)
	b.mu.Unlock()

	close(client.Done)

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client disconnected")
}

// removeClientByID drops a client found dead during a broadcast.
func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	count := len(b.clients)
	b.mu.Unlock()

	if exists && client.Done != nil {
		select {
		case <-client.Done:
		default:
			close(client.Done)
		}
	}

	log.Debug().Str("clientId", id).Int("totalClients", count).Msg("Dead SSE client removed")
}

// Broadcast sends a message to all connected clients. Writes run
// concurrently with a per-client timeout; clients that fail or stall
// are removed.
func (b *Broadcaster) Broadcast(data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}

	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadCh := make(chan string, len(clients))
	var wg sync.WaitGroup

	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				b.writeToClient(c, message, deadCh)
			}(client)
		}
	}

	wg.Wait()
	close(deadCh)

	for id := range deadCh {
		b.removeClientByID(id)
	}
}

// writeToClient writes one message to one client with a timeout.
func (b *Broadcaster) writeToClient(client *Client, message string, deadCh chan<- string) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		if _, err := client.Writer.Write([]byte(message)); err != nil {
			log.Debug().Str("clientId", client.ID).Err(err).Msg("Failed to write to SSE client")
			deadCh <- client.ID
			return
		}
		client.Flusher.Flush()
	}()

	select {
	case <-done:
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", client.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out")
		deadCh <- client.ID
	case <-client.Done:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves one SSE connection until the client goes away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", client.ID)
	client.Flusher.Flush()

	<-r.Context().Done()
}
