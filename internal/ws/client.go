package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/ratelimit"
	"github.com/coderoom/backend/internal/room"
	docsync "github.com/coderoom/backend/internal/sync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	applyTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	session     *room.Session
	rateLimiter *ratelimit.Limiter

	sendMu     sync.Mutex
	sendClosed bool
}

// ServeWs upgrades /ws/code?roomId=...&username=... and registers the
// session with the room.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	username := r.URL.Query().Get("username")
	if roomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	session, err := hub.registry.Join(roomID, username)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		session:     session,
		rateLimiter: ratelimit.NewLimiter(hub.msgRate, hub.msgBurst),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// enqueue hands data to the write pump, dropping it when the buffer is
// full or the connection is gone. Never blocks.
func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for %s in room %s (warning #%d)",
					c.session.ID, c.session.RoomID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("🚫 Disconnecting %s for excessive rate limit violations", c.session.ID)
				return
			}
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️ Malformed message from %s: %v", c.session.ID, err)
			c.sendError(CodeMalformedMessage, "invalid JSON")
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	switch msg.Type {
	case TypeCodeChange:
		c.handleCodeChange(ctx, msg)

	case TypeFileCreate:
		c.handleFileCreate(ctx, msg)

	case TypeFileSave:
		c.handleFileSave(ctx, msg)

	case TypeCursorMove:
		// Pure relay; the server keeps no cursor state.
		c.hub.broadcastExcept(c.session.RoomID, marshal(cursorMoveMsg{
			Type:     TypeCursorMove,
			UserID:   c.session.ID,
			FileID:   msg.FileID,
			Position: msg.Position,
		}), c)

	default:
		log.Printf("⚠️ Unknown message type %q from %s", msg.Type, c.session.ID)
	}
}

func (c *Client) handleCodeChange(ctx context.Context, msg *ClientMessage) {
	op := docsync.Operation{
		RoomID:      c.session.RoomID,
		FileID:      msg.FileID,
		BaseVersion: msg.BaseVersion,
		Kind:        docsync.Replace,
		Content:     msg.Content,
		Origin:      c.session.ID,
		ClientTime:  time.Now(),
	}
	if msg.Operation != nil {
		switch msg.Operation.Type {
		case "INSERT":
			op.Kind = docsync.Insert
			op.Position = msg.Operation.Position
			op.Text = msg.Operation.Text
		case "DELETE":
			op.Kind = docsync.Delete
			op.Position = msg.Operation.Position
			op.Length = msg.Operation.Length
		default:
			c.sendError(CodeMalformedMessage, "unknown operation type "+msg.Operation.Type)
			return
		}
	}

	result, err := c.hub.store.Apply(ctx, op)
	if err != nil {
		c.sendApplyError(err)
		return
	}

	// Everyone converges on the authoritative state, the originator
	// included, so rapid concurrent typing cannot fork local state.
	c.hub.BroadcastRoom(c.session.RoomID, marshal(codeUpdateMsg{
		Type:    TypeCodeUpdate,
		FileID:  msg.FileID,
		Content: result.Content,
		Version: result.Version,
	}))
}

func (c *Client) handleFileCreate(ctx context.Context, msg *ClientMessage) {
	if msg.File == nil {
		c.sendError(CodeMalformedMessage, "FILE_CREATE requires a file payload")
		return
	}

	if _, err := c.hub.store.CreateFile(c.session.RoomID, msg.File.Name, msg.File.Language); err != nil {
		c.sendApplyError(err)
		return
	}

	files, err := c.hub.store.List(ctx, c.session.RoomID)
	if err != nil {
		c.sendApplyError(err)
		return
	}
	c.hub.BroadcastRoom(c.session.RoomID, marshal(fileChangeMsg{Type: TypeFileChange, Files: files}))
}

func (c *Client) handleFileSave(ctx context.Context, msg *ClientMessage) {
	result, err := c.hub.store.Save(ctx, c.session.RoomID, msg.FileID, msg.Content, c.session.Username)
	if err != nil {
		c.sendApplyError(err)
		return
	}

	c.hub.BroadcastRoom(c.session.RoomID, marshal(codeUpdateMsg{
		Type:    TypeCodeUpdate,
		FileID:  msg.FileID,
		Content: result.Content,
		Version: result.Version,
	}))
}

// sendApplyError maps store/engine errors onto the wire taxonomy. Errors
// go to the originating connection only, never the room.
func (c *Client) sendApplyError(err error) {
	switch {
	case errors.Is(err, document.ErrInvalidName):
		c.sendError(CodeInvalidName, err.Error())
	case errors.Is(err, document.ErrDuplicateName):
		c.sendError(CodeDuplicateName, err.Error())
	case errors.Is(err, document.ErrNotFound), errors.Is(err, docsync.ErrUnknownDocument):
		c.sendError(CodeNotFound, err.Error())
	case errors.Is(err, docsync.ErrStaleBase):
		c.sendError(CodeStaleBase, err.Error())
	default:
		log.Printf("Apply failed for %s: %v", c.session.ID, err)
		c.sendError(CodeInternal, "internal error")
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(marshal(errorMsg{Type: TypeError, Code: code, Message: message}))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
