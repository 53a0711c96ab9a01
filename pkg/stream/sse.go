package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeready-toolchain/squadron/pkg/bus"
	"github.com/codeready-toolchain/squadron/pkg/models"
)

// ServeSSE writes the subscription's events to w as Server-Sent Events
// until the client disconnects, the subscription closes, or a terminal
// event has been delivered. Events carry their sequence number as the SSE
// id, so a reconnecting client resumes with Last-Event-ID.
func ServeSSE(ctx context.Context, w io.Writer, h *Handle, heartbeat time.Duration) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Open the stream immediately so proxies and clients see headers and a
	// first byte before the first event.
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return err
	}
	flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flush()

		case ev, ok := <-h.Sub.Events():
			if !ok {
				return writeSSEClose(w, flush, h.Sub.Reason())
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return err
			}
			flush()
			if ev.Kind.IsTerminal() {
				// The stream is sealed; nothing further can arrive.
				return writeSSEClose(w, flush, bus.CloseTerminal)
			}
		}
	}
}

func writeSSEEvent(w io.Writer, ev *models.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.Kind, data)
	return err
}

// writeSSEClose tells the client why the stream ended so it can decide
// between reconnecting (overflow) and stopping (terminal).
func writeSSEClose(w io.Writer, flush func(), reason bus.CloseReason) error {
	if reason == bus.CloseNone {
		reason = bus.CloseShutdown
	}
	_, err := fmt.Fprintf(w, "event: close\ndata: {\"reason\":%q}\n\n", reason)
	flush()
	return err
}
