package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the events forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventPriceTick,
	events.EventOrderAccepted,
	events.EventOrderRejected,
	events.EventOrderFilled,
	events.EventOrderPartiallyFilled,
	events.EventOrderCancelled,
	events.EventOrderFailed,
	events.EventOcoRegistered,
	events.EventOcoTriggered,
	events.EventOcoExpired,
	events.EventOcoFailed,
}

type streamFrame struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// websocket streams bus events to one client until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("api: ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan streamFrame, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- streamFrame{Topic: string(topic), Data: msg}:
					case <-done:
						return
					}
				}
			}
		}(topic, stream)
	}

	for frame := range merged {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
