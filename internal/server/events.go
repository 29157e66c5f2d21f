package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/events"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer = 128
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

// The admin API binds to loopback; CORS middleware already gates browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents pushes bus events as JSON text frames. ?kind=pairing limits
// the stream to kinds with that prefix.
func (s *Server) streamEvents(c *gin.Context) {
	prefix := strings.TrimSpace(c.Query("kind"))
	subID := "ws-" + uuid.NewString()
	ch, unsubscribe := s.bus.Channel(subID, eventBuffer)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Warnf("server.Server.streamEvents upgrade err=%v", err)
		return
	}
	defer conn.Close()
	logs.Debugf("server.Server.streamEvents open sub=%s prefix=%q", subID, prefix)

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logs.Debugf("server.Server.streamEvents closed sub=%s", subID)
			return
		case ev := <-ch:
			if prefix != "" && !strings.HasPrefix(ev.Kind, prefix) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				logs.Debugf("server.Server.streamEvents write sub=%s err=%v", subID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// readPump drains client frames so control messages are processed and a
// client close is noticed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4096)
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
