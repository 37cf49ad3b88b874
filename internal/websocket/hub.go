package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/pkg/logger"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// Hub fans job events out to the sockets watching that job. Only the Run
// goroutine touches the client map.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log *logger.Logger
}

// NewHub creates a new Hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log.WithComponent("ws-hub"),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.log.WithJobID(client.JobID).Debug("client registered")

		case client := <-h.unregister:
			if clients, ok := h.clients[client.JobID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.JobID)
					}
				}
			}
			h.log.WithJobID(client.JobID).Debug("client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// A slow reader loses this event; the next one carries fresher state.
					h.log.WithJobID(msg.JobID).Warn("dropping websocket message for slow client")
				}
			}
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// publish never blocks the caller; workers must not stall on websocket
// back-pressure.
func (h *Hub) publish(jobID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal websocket message")
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	case <-h.done:
	default:
		h.log.WithJobID(jobID).Warn("websocket broadcast queue full")
	}
}

// BroadcastProgress sends a progress update to all job subscribers
func (h *Hub) BroadcastProgress(jobID string, progress int, status model.JobStatus, stage string) {
	h.publish(jobID, progressMessage(jobID, progress, status, stage))
}

// BroadcastComplete sends a completion message to all job subscribers
func (h *Hub) BroadcastComplete(jobID string) {
	h.publish(jobID, completeMessage(jobID))
}

// BroadcastError sends an error message to all job subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.publish(jobID, errorMessage(jobID, code, message))
}

// DownloadPath is the route a finished job's result is served from.
func DownloadPath(jobID string) string {
	return fmt.Sprintf("/job/%s/download", jobID)
}

func progressMessage(jobID string, progress int, status model.JobStatus, stage string) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Progress: progress,
		Status:   status,
		Stage:    stage,
	}
}

func completeMessage(jobID string) model.WSCompleteMessage {
	return model.WSCompleteMessage{
		Type:        model.WSMessageTypeComplete,
		JobID:       jobID,
		DownloadURL: DownloadPath(jobID),
	}
}

func errorMessage(jobID, code, message string) model.WSErrorMessage {
	return model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	}
}

// snapshotMessage describes the state a new subscriber joins at.
func snapshotMessage(j model.Job) any {
	switch j.Status {
	case model.JobStatusCompleted:
		return completeMessage(j.ID)
	case model.JobStatusFailed:
		return errorMessage(j.ID, "JOB_FAILED", j.Error)
	case model.JobStatusCancelled:
		return errorMessage(j.ID, "JOB_CANCELLED", j.Error)
	default:
		return progressMessage(j.ID, j.Progress, j.Status, j.CurrentStage)
	}
}

// frameWriter is the write half of a socket.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// startWriter pumps send into conn with periodic pings until send is
// closed, a write fails or the returned stop is called. stop returns only
// after the pump has exited, so conn is never written once stop is done.
func startWriter(conn frameWriter, send <-chan []byte, interval time.Duration) (stop func()) {
	quit := make(chan struct{})
	exited := make(chan struct{})

	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case message, ok := <-send:
				if !ok {
					_ = write(websocket.CloseMessage, []byte{})
					return
				}
				if err := write(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-exited
	}
}

// HandleConnection serves one socket watching snapshot's job until the
// peer disconnects.
func (h *Hub) HandleConnection(c *websocket.Conn, snapshot model.Job) {
	client := &Client{
		JobID: snapshot.ID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if data, err := json.Marshal(snapshotMessage(snapshot)); err == nil {
		client.Send <- data
	}
	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	// Runs before Unregister closes Send.
	defer startWriter(c, client.Send, pingInterval)()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithJobID(client.JobID).WithError(err).Warn("websocket read failed")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
