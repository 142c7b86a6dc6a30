package ws

import (
	"context"
	"net/http"

	"github.com/HerbHall/telemetree/internal/event"
	"github.com/HerbHall/telemetree/internal/rpc"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves the WebSocket endpoint and bridges log events from the bus
// to subscriber notifications. Stats and alert frames take the direct path
// through the hub: the broadcast scheduler captures its recipients per tick.
type Handler struct {
	hub        *Hub
	dispatcher *rpc.Dispatcher
	sendBuffer int
	logger     *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates the WebSocket handler and wires the log topic to the
// logs subscriber event.
func NewHandler(hub *Hub, dispatcher *rpc.Dispatcher, bus *event.Bus, sendBuffer int, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		sendBuffer: sendBuffer,
		logger:     logger,
	}

	bus.Subscribe(event.TopicLogEntry, func(_ context.Context, e event.Event) {
		h.hub.Notify(EventLogs, e.Payload)
	})

	return h
}

// RegisterRoutes registers the WebSocket route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWS)
}

// handleWS upgrades the connection and runs the read loop. Each inbound
// frame is dispatched in its own goroutine so a slow handler never blocks
// notification delivery or other requests on this connection; responses
// correlate by id, not arrival order.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dashboards connect cross-origin; there is no cookie auth to protect.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	conn := NewConn(uuid.NewString(), sock, h.sendBuffer, h.logger)
	h.hub.Register(conn)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		conn.writePump(ctx)
		close(done)
	}()

	h.readLoop(ctx, conn, sock)

	// Transport closed or failed: tear down and cascade subscription removal.
	h.hub.Unregister(conn)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn, sock *websocket.Conn) {
	for {
		_, frame, err := sock.Read(ctx)
		if err != nil {
			h.logger.Debug("websocket read ended",
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
			return
		}

		go func(frame []byte) {
			resp := h.dispatcher.Dispatch(ctx, conn, frame)
			if resp == nil {
				return
			}
			if err := conn.TrySend(resp); err == ErrBufferFull {
				h.logger.Warn("send buffer overflow on response, dropping connection",
					zap.String("conn_id", conn.ID()),
				)
				wsForcedDisconnectsTotal.Inc()
				h.hub.Drop(conn, websocket.StatusPolicyViolation, "send buffer overflow")
			}
		}(frame)
	}
}
