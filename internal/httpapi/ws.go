package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/gmhub/gm/internal/metrics"
	"github.com/gmhub/gm/internal/synchub"
)

// wsInbound is a client-to-server frame: subscription intent or
// cancellation, discriminated by type.
type wsInbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	SessionID      string `json:"sessionId"`
}

// wsOutbound is a server-to-client frame, mirroring synchub.Event's
// discriminated union as JSON.
type wsOutbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	SessionState   string `json:"sessionState,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// handleWebSocket accepts a WebSocket connection for one conversation,
// replays the Resume outcome as the first frame, then streams live
// lifecycle/stream events until the client disconnects or cancels.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx := r.Context()

	resumption, err := synchub.Resume(ctx, s.store, conversationID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "resume failed")
		return
	}
	if writeErr := s.writeResumption(ctx, conn, resumption); writeErr != nil {
		return
	}

	watcher := s.hub.Watch(conversationID)
	defer s.hub.Unwatch(conversationID, watcher)

	go s.readInbound(ctx, conn)

	for {
		select {
		case evt, ok := <-watcher.Stream():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return
			}
		case evt, ok := <-watcher.Lifecycle():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// readInbound drains client-to-server frames (subscribe/cancel). The
// connection is read-driven for control messages only; a failed read
// just ends the goroutine, since the outer select loop owns connection
// lifetime via ctx.
func (s *Server) readInbound(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Type == "cancel" && in.SessionID != "" {
			s.dispatcher.Cancel(in.SessionID)
		}
	}
}

func (s *Server) writeResumption(ctx context.Context, conn *websocket.Conn, r synchub.Resumption) error {
	out := wsOutbound{Type: "resume", Data: r}
	return s.write(ctx, conn, out)
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt *synchub.Event) error {
	out := wsOutbound{
		Type:           string(evt.Type),
		ConversationID: evt.ConversationID,
		SessionID:      evt.SessionID,
		MessageID:      evt.MessageID,
		Chunk:          string(evt.Chunk),
		SessionState:   evt.SessionState,
		Data:           evt.Data,
	}
	return s.write(ctx, conn, out)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, out wsOutbound) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}
