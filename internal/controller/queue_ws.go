package controller

import (
	"net/http"
	"time"

	"sandboxd/internal/worker"
	"sandboxd/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	queuePushInterval = time.Second
	pingInterval      = 30 * time.Second
	pongWait          = 60 * time.Second
	writeWait         = 10 * time.Second
)

var queueUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// QueueStream pushes queue snapshots over a websocket.
type QueueStream struct {
	worker   worker.Worker
	interval time.Duration
}

// NewQueueStream creates a stream pushing every interval (1s when zero).
func NewQueueStream(w worker.Worker, interval time.Duration) *QueueStream {
	if interval <= 0 {
		interval = queuePushInterval
	}
	return &QueueStream{worker: w, interval: interval}
}

// Serve upgrades the request and streams until the client goes away.
func (s *QueueStream) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := queueUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	push := time.NewTicker(s.interval)
	defer push.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	if err := s.send(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-push.C:
			if err := s.send(conn); err != nil {
				logger.Debug(ctx, "queue stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *QueueStream) send(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(QueueFrame{
		Type:      "queue",
		Data:      s.worker.Statuses(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// readPump discards client messages and closes done when the connection drops.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
