package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Client represents one tab's WebSocket connection.
type Client struct {
	conn   *websocket.Conn
	tabID  string
	userID string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, tabID, userID string) *Client {
	return &Client{
		conn:   conn,
		tabID:  tabID,
		userID: userID,
		send:   make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendMessage marshals msg and queues it.
func (c *Client) SendMessage(msg *ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client's send channel; the write pump then closes the
// connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TabID returns the tab this client belongs to.
func (c *Client) TabID() string {
	return c.tabID
}

// UserID returns the connected user.
func (c *Client) UserID() string {
	return c.userID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans messages out to the clients of one document.
type Hub struct {
	docID   string
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub for the given document.
func NewHub(docID string) *Hub {
	return &Hub{
		docID:   docID,
		clients: make(map[*Client]bool),
	}
}

// DocID returns the document for this hub.
func (h *Hub) DocID() string {
	return h.docID
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastMessage sends a ServerMessage to all connected clients.
func (h *Hub) BroadcastMessage(msg *ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
