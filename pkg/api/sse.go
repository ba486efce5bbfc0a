package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/streambus"
)

// keepAliveInterval matches the 15-second SSE keep-alive from §4.7.
const keepAliveInterval = 15 * time.Second

// streamExecution subscribes to the bus and writes SSE events for execID,
// filtered by tenant and execution id, until a terminal event arrives or the
// client disconnects. A keep-alive comment is emitted every 15 seconds to
// prevent proxy timeouts. The underlying execution is unaffected by the
// client disconnecting — only the subscription is dropped.
//
// This is safe for an execution that is already running independently of
// this request (the bus has no replay, but the execution outlives any one
// subscriber and keeps publishing as long as it's not yet terminal).
func (s *Server) streamExecution(c *echo.Context, tenant ids.TenantID, execID ids.ExecutionID) error {
	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()
	return s.tailSSE(c, sub, tenant, execID, nil)
}

// tailSSE writes the SSE response headers, replays any events the caller
// already consumed while discovering execID (see streamHandler, which must
// subscribe before the execution it's about to start can publish anything),
// and then tails sub until a terminal event for execID/tenant arrives or the
// client disconnects.
func (s *Server) tailSSE(c *echo.Context, sub *streambus.Subscription, tenant ids.TenantID, execID ids.ExecutionID, replay []streambus.StreamEvent) error {
	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for _, event := range replay {
		if event.ExecutionID != execID || event.TenantID != tenant {
			continue
		}
		done, err := writeSSEEvent(resp, event)
		if err != nil {
			return nil
		}
		resp.Flush()
		if done {
			return nil
		}
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()

		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if event.ExecutionID != execID || event.TenantID != tenant {
				continue
			}
			done, err := writeSSEEvent(resp, event)
			if err != nil {
				return nil
			}
			resp.Flush()
			if done {
				return nil
			}
		}
	}
}

// writeSSEEvent renders one StreamEvent as an SSE frame, reporting whether
// this was the terminal event for the stream.
func writeSSEEvent(w io.Writer, event streambus.StreamEvent) (terminal bool, err error) {
	switch event.Kind {
	case streambus.KindThinkingStatus:
		err = writeSSEFrame(w, "thinking", "", event.StatusText)
	case streambus.KindContentChunk:
		err = writeSSEFrame(w, "chunk", fmt.Sprintf("%d", event.Sequence), event.ChunkText)
	case streambus.KindCompleted:
		data, merr := json.Marshal(event.FinalResponse)
		if merr != nil {
			data = []byte("{}")
		}
		err = writeSSEFrame(w, "complete", "", string(data))
		terminal = true
	case streambus.KindFailed:
		err = writeSSEFrame(w, "error", "", event.ErrorText)
		terminal = true
	default:
		return false, nil
	}
	return terminal, err
}

func writeSSEFrame(w io.Writer, event, id, data string) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
