package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/applydeck/applydeck/internal/notify"
	"github.com/applydeck/applydeck/internal/utils"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 90 * time.Second
)

// EventsHandler streams change events to connected devices over a websocket.
// Events originate from pushes on other devices and arrive via Redis pub/sub;
// a device that receives one schedules a pull. Missing an event is harmless,
// the next sync catches up.
type EventsHandler struct {
	rdb      *redis.Client
	upgrader websocket.Upgrader
}

func NewEventsHandler(rdb *redis.Client) *EventsHandler {
	return &EventsHandler{
		rdb: rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) write(messageType int, b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteMessage(messageType, b)
}

// Events upgrades the request and forwards the user's change events until
// the client goes away. Authentication happened in middleware; websocket
// clients pass the token as a query parameter.
func (h *EventsHandler) Events(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	if h.rdb == nil {
		writeError(c, utils.E(utils.CodeUnavailable, "EventsHandler.Events", "change events are not available", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote the response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	pubsub := h.rdb.Subscribe(ctx, notify.Channel(userID))
	defer pubsub.Close()

	// reader: only there to notice the peer closing and answer pings
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ping.C:
			if err := wc.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-ch:
			if !open {
				return
			}
			if err := wc.write(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}
