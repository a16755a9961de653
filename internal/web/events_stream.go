package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tyemirov/medsession/internal/events"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
)

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(topics ...events.Topic) (<-chan events.Event, func())
}

// StreamEvents upgrades to a WebSocket and forwards bus events as JSON until
// either side goes away. Origins outside allowedOrigins are refused; requests
// without an Origin header (non-browser clients) are accepted.
func StreamEvents(subscriber Subscriber, allowedOrigins []string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(request *http.Request) bool {
			origin := request.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}

	return func(contextGin *gin.Context) {
		connection, upgradeErr := upgrader.Upgrade(contextGin.Writer, contextGin.Request, nil)
		if upgradeErr != nil {
			logger.Warn("websocket upgrade failed", zap.String("code", "web.events.upgrade"), zap.Error(upgradeErr))
			return
		}
		defer connection.Close()

		stream, cancel := subscriber.Subscribe()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = connection.SetReadDeadline(time.Now().Add(streamPongTimeout))
			connection.SetPongHandler(func(string) error {
				return connection.SetReadDeadline(time.Now().Add(streamPongTimeout))
			})
			for {
				if _, _, err := connection.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.Debug("websocket read ended", zap.Error(err))
					}
					return
				}
			}
		}()

		pingTicker := time.NewTicker(streamPingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-closed:
				return
			case event, ok := <-stream:
				if !ok {
					_ = connection.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				_ = connection.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := connection.WriteJSON(event); err != nil {
					logger.Debug("websocket write failed", zap.Error(err))
					return
				}
			case <-pingTicker.C:
				_ = connection.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := connection.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
