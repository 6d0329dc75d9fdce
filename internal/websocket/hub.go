package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// NewClient creates a client subscribed to jobID.
func NewClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{JobID: jobID, Conn: conn, Send: make(chan []byte, sendBuffer)}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID. Owned by Run.
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	log *zap.Logger
}

// BroadcastMessage represents a message to broadcast. A non-nil To limits
// delivery to that client.
type BroadcastMessage struct {
	JobID   string
	Message []byte
	To      *Client
}

// NewHub creates a new Hub
func NewHub(log *zap.Logger) *Hub {
	log = logger.OrNop(log)
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing
// every client's Send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.log.Debug("websocket client registered", zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("websocket client unregistered", zap.String("job_id", client.JobID))

		case msg := <-h.broadcast:
			if msg.To != nil {
				if h.clients[msg.JobID][msg.To] {
					h.deliver(msg.To, msg.Message)
				}
				continue
			}
			for client := range h.clients[msg.JobID] {
				h.deliver(client, msg.Message)
			}
		}
	}
}

func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.log.Warn("websocket client too slow, dropping", zap.String("job_id", client.JobID))
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client. It returns false once the hub has stopped.
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

// publish queues a message for every subscriber of jobID.
func (h *Hub) publish(jobID string, v interface{}) {
	h.enqueue(&BroadcastMessage{JobID: jobID}, v)
}

// reply queues a message for a single client.
func (h *Hub) reply(client *Client, v interface{}) {
	h.enqueue(&BroadcastMessage{JobID: client.JobID, To: client}, v)
}

// enqueue never blocks; job store observers must not stall the store.
func (h *Hub) enqueue(msg *BroadcastMessage, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal websocket message", zap.String("job_id", msg.JobID), zap.Error(err))
		return
	}
	msg.Message = data
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping update", zap.String("job_id", msg.JobID))
	}
}

// OnJobEvent forwards job store events to the job's subscribers. Register
// it with jobstore.Store.Subscribe.
func (h *Hub) OnJobEvent(ev jobstore.Event) {
	job := ev.Job
	switch ev.Type {
	case jobstore.EventSegment:
		h.publish(job.ID, model.WSSegmentMessage{
			Type:    model.WSMessageTypeSegment,
			JobID:   job.ID,
			Segment: job.Segments[ev.SegmentID],
		})
	case jobstore.EventCompleted:
		h.BroadcastComplete(job)
	case jobstore.EventProgress, jobstore.EventUpdated:
		h.BroadcastProgress(job)
	}
}

// BroadcastProgress sends a progress update to all job subscribers
func (h *Hub) BroadcastProgress(job *model.Job) {
	h.publish(job.ID, progressMessage(job))
}

// BroadcastComplete sends the terminal message for a job: complete for
// jobs with a result, error otherwise.
func (h *Hub) BroadcastComplete(job *model.Job) {
	if job.Status.HasResult() {
		h.publish(job.ID, model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Status: job.Status,
			Result: job.Result,
		})
		return
	}

	msg := job.Message
	code := string(job.Status)
	switch {
	case job.Error != nil:
		msg = *job.Error
	case job.CancellationReason != nil:
		msg = *job.CancellationReason
	}
	h.publish(job.ID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: job.ID,
		Error: model.WSError{Code: code, Message: msg},
	})
}

func progressMessage(job *model.Job) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    job.ID,
		Progress: job.Progress,
		Status:   job.Status,
		Message:  job.Message,
	}
}

// HandleConnection serves one WebSocket connection until the peer goes
// away. The job's current state is sent first.
func (h *Hub) HandleConnection(c *websocket.Conn, job *model.Job) {
	client := NewClient(job.ID, c)
	if data, err := json.Marshal(progressMessage(job)); err == nil {
		client.Send <- data
	}

	if !h.Register(client) {
		return
	}

	// Start writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			break
		}

		h.handleClientMessage(client, message)
	}

	h.Unregister(client)
	<-writerDone
}

// handleClientMessage answers a client ping with a pong to that client only.
func (h *Hub) handleClientMessage(client *Client, raw []byte) {
	var msg model.WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type == model.WSMessageTypePing {
		h.reply(client, model.WSMessage{Type: model.WSMessageTypePong})
	}
}
