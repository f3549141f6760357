package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the reverse proxy in this deployment.
		return true
	},
}

// Client is one websocket connection. Session state (which presentation the
// connection is joined to) lives here only as a fast path; the store is
// authoritative.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// id is the connection identifier, unique while connected
	id string

	mu             sync.Mutex
	presentationID string
	userID         string
	detached       bool
}

func newClient(h *Hub, conn *websocket.Conn, connectionID string) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		id:   connectionID,
	}
}

// enqueue hands a frame to the write pump without ever blocking the caller.
// A client that cannot drain its buffer loses frames and is eventually
// dropped by its own read loop failing.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		slog.Warn("client send buffer full, dropping frame", "connection", c.id)
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) setJoined(presentationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentationID = presentationID
	c.userID = userID
}

func (c *Client) clearJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentationID = ""
	c.userID = ""
}

func (c *Client) joined() (presentationID, userID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presentationID, c.userID, c.presentationID != ""
}

// beginDetach claims the one-shot disconnect cleanup. Only the first caller
// gets true, so the cleanup runs exactly once even when a reconnect races
// the close.
func (c *Client) beginDetach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false
	}
	c.detached = true
	return true
}

// ReadPump pumps commands from the websocket into the dispatcher
func (c *Client) ReadPump() {
	defer func() {
		c.hub.dropConnection(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("unexpected close", "connection", c.id, "error", err)
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			slog.Warn("malformed command", "connection", c.id, "error", err)
			c.respond(fail("", "Malformed command"))
			continue
		}

		c.respond(c.hub.dispatch(c, cmd))
	}
}

func (c *Client) respond(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response", "connection", c.id, "error", err)
		return
	}
	c.enqueue(payload)
}

// WritePump pumps frames from the hub to the websocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("write frame", "connection", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("send ping", "connection", c.id, "error", err)
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and starts the
// client pumps. The connection id comes from the join descriptor when the
// client presents one, otherwise a fresh one is minted.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		connectionID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade failed", "from", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(h, conn, connectionID)
	h.addConnection(client)

	slog.Info("websocket connected", "connection", connectionID, "from", r.RemoteAddr)

	go client.WritePump()
	go client.ReadPump()
}
