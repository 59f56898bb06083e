package api

import (
	"context"
	"net/http"
	"time"

	"execution-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushTopics are forwarded to every /ws client.
var pushTopics = []events.Event{
	events.EventOrderDispatched,
	events.EventOrderFailed,
	events.EventRiskAlert,
	events.EventKillSwitch,
	events.EventPlanChanged,
}

type envelope struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the read side only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := make(chan envelope, 64)
	for _, topic := range pushTopics {
		ch, unsub := s.bus.Subscribe(topic, 32)
		defer unsub()
		go func(topic events.Event, ch <-chan any) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- envelope{Type: topic, Data: msg}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}
