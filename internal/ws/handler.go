package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/objects"
	"github.com/shared-canvas/backend/internal/session"
	"github.com/shared-canvas/backend/internal/store"
	"github.com/shared-canvas/backend/internal/watchdog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Upper bound for cleanup that runs after the request context is gone.
	cleanupTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves tab connections.
type Handler struct {
	st       store.Store
	clk      clock.Clock
	rooms    *Rooms
	watchdog *watchdog.Watchdog
	sessions *session.Registry
	timing   Timing
	log      *zap.Logger
	metrics  tally.Scope

	// conns is keyed by the tab's presence path.
	mu    sync.Mutex
	conns map[string]*connection
	wg    sync.WaitGroup
}

// NewHandler creates a new WebSocket handler.
func NewHandler(st store.Store, clk clock.Clock, rooms *Rooms, wd *watchdog.Watchdog, sessions *session.Registry, timing Timing, log *zap.Logger, metrics tally.Scope) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	return &Handler{
		st:       st,
		clk:      clk,
		rooms:    rooms,
		watchdog: wd,
		sessions: sessions,
		timing:   timing,
		log:      log,
		metrics:  metrics,
		conns:    make(map[string]*connection),
	}
}

// connection is the server side of one tab.
type connection struct {
	h      *Handler
	key    string
	room   *Room
	client *Client
	mgr    *session.Manager
	log    *zap.Logger

	unsubscribe func()

	// edits is only touched from the read pump goroutine.
	edits map[string]*lock.Edit

	mu         sync.Mutex
	left       bool
	superseded bool
	shutdown   bool
}

// HandleConnection upgrades the request and runs the tab's session until the
// connection ends. tabID may be empty, in which case a fresh one is issued.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, docID string, identity model.Identity, tabID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), cleanupTimeout)
	defer cancel()

	room, err := h.rooms.GetOrCreate(ctx, docID)
	if err != nil {
		h.rejectConn(conn, err)
		return err
	}

	if tabID != "" {
		if h.claimedElsewhere(tabID, docID, identity.UserID) {
			h.log.Warn("tab id belongs to another tab, issuing a fresh one",
				zap.String("docId", docID), zap.String("userId", identity.UserID), zap.String("tabId", tabID))
			tabID = ""
		} else {
			h.supersede(ctx, model.PresencePath(docID, identity.UserID, tabID))
		}
	}

	mgr := session.NewManager(h.st, h.clk, session.Config{
		DocID:             docID,
		TabID:             tabID,
		HeartbeatInterval: h.timing.HeartbeatInterval,
		CursorThrottle:    h.timing.CursorThrottle,
	}, session.WithLogger(h.log), session.WithMetrics(h.metrics))
	tabID, err = mgr.Start(ctx, identity)
	if err != nil {
		h.rooms.Release(room)
		h.rejectConn(conn, err)
		return err
	}

	c := &connection{
		h:      h,
		key:    mgr.Path(),
		room:   room,
		client: NewClient(conn, tabID, identity.UserID),
		mgr:    mgr,
		log:    h.log.With(zap.String("docId", docID), zap.String("userId", identity.UserID), zap.String("tabId", tabID)),
		edits:  make(map[string]*lock.Edit),
	}

	h.mu.Lock()
	h.conns[c.key] = c
	h.mu.Unlock()
	h.sessions.Add(mgr)
	h.watchdog.Register(c.key, watchdog.DisconnectActions(mgr, room.Coordinator(), room.Tracker())...)

	room.Hub().Register(c.client)
	c.client.SendMessage(&ServerMessage{Type: MessageTypeWelcome, TabID: tabID, UserID: identity.UserID})
	c.unsubscribe = room.Engine().Subscribe(func(change objects.Change) {
		c.client.SendMessage(&ServerMessage{Type: MessageTypeObjects, Change: &change})
	})
	c.client.SendMessage(presenceMessage(room.Tracker().Active()))

	c.log.Info("tab connected")

	h.wg.Add(1)
	go c.writePump()
	go c.readPump()
	return nil
}

// rejectConn reports err to the peer and closes the connection.
func (h *Handler) rejectConn(conn *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, model.ErrIdentityRequired) || errors.Is(err, model.ErrInvalidID) {
		code = websocket.ClosePolicyViolation
	}
	msg, _ := json.Marshal(&ServerMessage{Type: MessageTypeError, Error: err.Error()})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, msg)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	conn.Close()
}

// claimedElsewhere reports whether tabID is live in this process for another
// user or document.
func (h *Handler) claimedElsewhere(tabID, docID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.client.TabID() == tabID && (c.client.UserID() != userID || c.room.DocID() != docID) {
			return true
		}
	}
	return false
}

// supersede retires the live connection of the same tab, as happens when a
// reloaded page reconnects before the old socket timed out. key is the tab's
// presence path, so only the same user on the same document matches.
func (h *Handler) supersede(ctx context.Context, key string) {
	h.mu.Lock()
	old, ok := h.conns[key]
	if ok {
		delete(h.conns, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	old.mu.Lock()
	old.superseded = true
	old.mu.Unlock()

	h.watchdog.Cancel(key)
	h.sessions.Remove(old.mgr)
	if err := old.mgr.Stop(ctx); err != nil {
		old.log.Warn("failed to stop superseded session", zap.Error(err))
	}
	old.client.Close()
	old.log.Info("tab superseded by a new connection")
}

// Connections returns the number of live tab connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every connection in an orderly way: edits are released, tab
// sessions removed and watchdogs disarmed. It waits for the connections to
// wind down until ctx is done.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()
		// Unblocks the read pump, which then leaves.
		c.client.Conn().Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) readPump() {
	defer c.finish()

	conn := c.client.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("failed to unmarshal message", zap.Error(err))
			c.client.SendMessage(&ServerMessage{Type: MessageTypeError, Error: "malformed message"})
			continue
		}

		if msg.Type == MessageTypeLeave {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			c.leave(ctx)
			cancel()
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	conn := c.client.Conn()
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-c.client.SendChan()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// leave is the orderly shutdown of the tab. It is idempotent.
func (c *connection) leave(ctx context.Context) {
	c.mu.Lock()
	if c.left || c.superseded {
		c.mu.Unlock()
		return
	}
	c.left = true
	c.mu.Unlock()

	c.endEdits(ctx)
	c.h.watchdog.Cancel(c.key)
	if err := c.mgr.Stop(ctx); err != nil {
		c.log.Warn("failed to stop session", zap.Error(err))
	}
	c.log.Info("tab left")
}

// finish runs on the read pump once it is done, whatever the reason. A
// connection that neither left nor was superseded or shut down is treated as
// lost and handed to the watchdog.
func (c *connection) finish() {
	defer c.h.wg.Done()

	c.unsubscribe()
	c.room.Hub().Unregister(c.client)

	c.mu.Lock()
	left, superseded, shutdown := c.left, c.superseded, c.shutdown
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	switch {
	case left:
	case shutdown && !superseded:
		c.leave(ctx)
	default:
		c.endEdits(ctx)
		if !superseded {
			c.h.watchdog.Fire(c.key)
		}
	}

	c.h.mu.Lock()
	if c.h.conns[c.key] == c {
		delete(c.h.conns, c.key)
	}
	c.h.mu.Unlock()
	c.h.sessions.Remove(c.mgr)
	c.h.rooms.Release(c.room)
}

func (c *connection) endEdits(ctx context.Context) {
	for id, e := range c.edits {
		if err := e.End(ctx); err != nil {
			c.log.Warn("failed to end edit", zap.String("objectId", id), zap.Error(err))
		}
		delete(c.edits, id)
	}
}

// handleMessage processes one client request on the read pump.
func (c *connection) handleMessage(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch msg.Type {
	case MessageTypeCursor:
		c.mgr.UpdateCursor(msg.X, msg.Y)
	case MessageTypeAcquire:
		c.handleAcquire(ctx, msg)
	case MessageTypeRelease:
		c.handleRelease(ctx, msg)
	case MessageTypeMutate:
		c.handleMutate(ctx, msg)
	case MessageTypeCreate:
		c.handleCreate(ctx, msg)
	case MessageTypeRemove:
		c.handleRemove(ctx, msg)
	case MessageTypePing:
		c.client.SendMessage(&ServerMessage{Type: MessageTypePong})
	default:
		c.sendError(msg.RequestID, "unknown message type "+string(msg.Type))
	}
}

func (c *connection) handleAcquire(ctx context.Context, msg *ClientMessage) {
	if e, ok := c.edits[msg.ObjectID]; ok {
		if !e.Lost() {
			c.client.SendMessage(lockMessage(msg.ObjectID, true))
			c.client.SendMessage(resultMessage(msg.RequestID, true, "", nil))
			return
		}
		e.End(ctx)
		delete(c.edits, msg.ObjectID)
	}

	e, ok, err := c.room.Coordinator().BeginEdit(ctx, msg.ObjectID, c.client.UserID())
	if err != nil {
		c.fail(msg.RequestID, "acquire", err)
		return
	}
	if ok {
		c.edits[msg.ObjectID] = e
	}
	c.client.SendMessage(lockMessage(msg.ObjectID, ok))
	if ok {
		c.client.SendMessage(resultMessage(msg.RequestID, true, "", nil))
	} else {
		c.client.SendMessage(resultMessage(msg.RequestID, false, objects.ReasonLocked, nil))
	}
}

func (c *connection) handleRelease(ctx context.Context, msg *ClientMessage) {
	if e, ok := c.edits[msg.ObjectID]; ok {
		delete(c.edits, msg.ObjectID)
		if err := e.End(ctx); err != nil {
			c.fail(msg.RequestID, "release", err)
			return
		}
	} else if err := c.room.Coordinator().Release(ctx, msg.ObjectID, c.client.UserID()); err != nil {
		c.fail(msg.RequestID, "release", err)
		return
	}
	c.client.SendMessage(lockMessage(msg.ObjectID, false))
	c.client.SendMessage(resultMessage(msg.RequestID, true, "", nil))
}

func (c *connection) handleMutate(ctx context.Context, msg *ClientMessage) {
	if msg.Patch == nil {
		c.sendError(msg.RequestID, "mutate requires a patch")
		return
	}
	res, err := c.room.Engine().ProposeMutation(ctx, msg.ObjectID, c.client.UserID(), *msg.Patch)
	if err != nil {
		c.fail(msg.RequestID, "mutate", err)
		return
	}
	if res.Rejected {
		if e, ok := c.edits[msg.ObjectID]; ok && e.Lost() {
			delete(c.edits, msg.ObjectID)
			e.End(ctx)
			c.client.SendMessage(lockMessage(msg.ObjectID, false))
		}
	}
	c.client.SendMessage(resultMessage(msg.RequestID, !res.Rejected, res.Reason, res.Object))
}

func (c *connection) handleCreate(ctx context.Context, msg *ClientMessage) {
	if msg.Shape == nil {
		c.sendError(msg.RequestID, "create requires a shape")
		return
	}
	obj, err := c.room.Engine().Create(ctx, c.client.UserID(), *msg.Shape)
	if err != nil {
		c.fail(msg.RequestID, "create", err)
		return
	}
	c.client.SendMessage(resultMessage(msg.RequestID, true, "", &obj))
}

func (c *connection) handleRemove(ctx context.Context, msg *ClientMessage) {
	ok, err := c.room.Engine().Remove(ctx, msg.ObjectID, c.client.UserID())
	if err != nil {
		c.fail(msg.RequestID, "remove", err)
		return
	}
	if e, held := c.edits[msg.ObjectID]; held {
		delete(c.edits, msg.ObjectID)
		e.End(ctx)
	}
	if ok {
		c.client.SendMessage(resultMessage(msg.RequestID, true, "", nil))
	} else {
		c.client.SendMessage(resultMessage(msg.RequestID, false, objects.ReasonNotFound, nil))
	}
}

func (c *connection) fail(requestID, op string, err error) {
	if errors.Is(err, model.ErrObjectNotFound) {
		c.client.SendMessage(resultMessage(requestID, false, objects.ReasonNotFound, nil))
		return
	}
	if errors.Is(err, model.ErrInvalidShape) || errors.Is(err, model.ErrInvalidID) {
		c.sendError(requestID, err.Error())
		return
	}
	c.log.Warn("request failed", zap.String("op", op), zap.Error(err))
	c.sendError(requestID, op+" failed")
}

func (c *connection) sendError(requestID, message string) {
	c.client.SendMessage(&ServerMessage{Type: MessageTypeError, RequestID: requestID, Error: message})
}
