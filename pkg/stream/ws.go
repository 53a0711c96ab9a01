package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/squadron/pkg/bus"
	"github.com/codeready-toolchain/squadron/pkg/models"
)

// wsFrame is the JSON envelope sent to WebSocket clients.
type wsFrame struct {
	Type   string             `json:"type"`
	Event  *models.AgentEvent `json:"event,omitempty"`
	Reason bus.CloseReason    `json:"reason,omitempty"`
}

// ServeWS writes the subscription's events to the WebSocket connection
// until the client disconnects, the subscription closes, or a terminal
// event has been delivered. Pings double as heartbeats.
func ServeWS(ctx context.Context, conn *websocket.Conn, h *Handle, heartbeat, writeTimeout time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain client frames so pongs and close frames are processed; any
	// read error means the client is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	write := func(frame wsFrame) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
		defer writeCancel()
		return conn.Write(writeCtx, websocket.MessageText, data)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case ev, ok := <-h.Sub.Events():
			if !ok {
				closeWS(conn, write, h.Sub.Reason())
				return
			}
			if err := write(wsFrame{Type: "event", Event: ev}); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}
			if ev.Kind.IsTerminal() {
				closeWS(conn, write, bus.CloseTerminal)
				return
			}
		}
	}
}

func closeWS(conn *websocket.Conn, write func(wsFrame) error, reason bus.CloseReason) {
	if reason == bus.CloseNone {
		reason = bus.CloseShutdown
	}
	_ = write(wsFrame{Type: "close", Reason: reason})

	status := websocket.StatusNormalClosure
	if reason == bus.CloseOverflow {
		status = websocket.StatusPolicyViolation
	}
	_ = conn.Close(status, string(reason))
}
