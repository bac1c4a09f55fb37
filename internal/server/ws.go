package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vesaa/cloudmetrics/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be below pongWait
	maxMessageSize = 512
	sendBuffer     = 32

	// kindCurrent answers a client's metrics:request with the snapshot.
	kindCurrent broadcast.Kind = "metrics:current"
	kindRequest                = "metrics:request"
)

// wsClient bridges one websocket connection to the hub.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// Handle queues an event for the write pump, dropping it if the client is
// too far behind.
func (c *wsClient) Handle(ev broadcast.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encoding event", "event", ev.Kind, "error", err)
		return
	}
	c.enqueue(b)
}

func (c *wsClient) enqueue(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.log.Warn("client send buffer full, frame dropped")
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// handleWS upgrades the request and serves frames until the peer goes away.
//
//	GET /ws
//	Server frames: {"event":"metrics:update"|"alerts:new"|"metrics:current","data":...}
//	Client frames: {"event":"metrics:request"}
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  s.log.With("client", id),
	}
	tok := s.hub.Subscribe(client)
	client.log.Info("client connected", "remote", conn.RemoteAddr().String())

	go client.writePump()
	s.readPump(client)

	s.hub.Unsubscribe(tok)
	client.close()
	client.log.Info("client disconnected")
}

// readPump handles control frames and client requests. It returns when the
// connection fails or closes.
func (s *Server) readPump(c *wsClient) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var req struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(msg, &req) != nil || req.Event != kindRequest {
			c.log.Debug("ignoring client frame", "frame", string(msg))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := s.metrics.Current(ctx)
		cancel()
		if err != nil {
			c.log.Warn("current snapshot for client failed", "error", err)
			continue
		}
		c.Handle(broadcast.Event{Kind: kindCurrent, Data: snap})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
