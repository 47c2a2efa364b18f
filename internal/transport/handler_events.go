package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/realtime"
	"github.com/pitabwire/ledgerly/model"
)

// EventHub hands out real-time subscriptions.
type EventHub interface {
	Subscribe(ctx context.Context, rctx *model.RequestContext, module, entity string) (*realtime.Subscription, error)
	SubscribeMonitor(rctx *model.RequestContext) (*realtime.Subscription, error)
}

// readyEvent is the first frame of every stream. Clients echo ConnectionID
// in the X-Connection-Id header of their writes so that version conflicts
// are answered on this stream.
type readyEvent struct {
	SubscriptionID string `json:"subscription_id"`
	ConnectionID   string `json:"connection_id"`
	Room           string `json:"room"`
}

// EventHandler streams room events as server-sent events.
type EventHandler struct {
	hub       EventHub
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewEventHandler creates an EventHandler. A non-positive heartbeat disables
// keep-alive comments.
func NewEventHandler(hub EventHub, heartbeat time.Duration, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{hub: hub, heartbeat: heartbeat, logger: logger}
}

// HandleRoom serves GET /events/{module}/{entity}.
func (h *EventHandler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	rctx := streamContext(r)
	module, entity := entityParams(r)
	sub, err := h.hub.Subscribe(r.Context(), rctx, module, entity)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	h.stream(w, r, rctx, sub)
}

// HandleMonitor serves GET /events/monitor.
func (h *EventHandler) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	rctx := streamContext(r)
	sub, err := h.hub.SubscribeMonitor(rctx)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	h.stream(w, r, rctx, sub)
}

// streamContext returns the caller's RequestContext with a connection ID,
// taken from the header, the connection_id query parameter, or generated.
func streamContext(r *http.Request) *model.RequestContext {
	rctx := *model.MustRequestContext(r.Context())
	if rctx.ConnectionID == "" {
		rctx.ConnectionID = r.URL.Query().Get("connection_id")
	}
	if rctx.ConnectionID == "" {
		rctx.ConnectionID = uuid.NewString()
	}
	return &rctx
}

func (h *EventHandler) stream(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, sub *realtime.Subscription) {
	defer sub.Close()
	logger := observability.LoggerFrom(r.Context(), h.logger).With(
		zap.String("subscription_id", sub.ID),
		zap.String("room", sub.Room),
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported by response writer")
		WriteError(w, model.NewInternalError())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, sub.ID, "ready", readyEvent{
		SubscriptionID: sub.ID,
		ConnectionID:   rctx.ConnectionID,
		Room:           sub.Room,
	}); err != nil {
		return
	}
	flusher.Flush()

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	start := time.Now()
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client",
				zap.Int("events_sent", sent),
				zap.Duration("duration", time.Since(start)),
			)
			return
		case <-tick:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeMessage(w, msg); err != nil {
				logger.Warn("client disconnected during event stream", zap.Error(err))
				return
			}
			sent++
			flusher.Flush()
		}
	}
}

func writeMessage(w http.ResponseWriter, msg realtime.Message) error {
	if msg.Event != nil {
		return writeSSE(w, msg.Event.ID, string(msg.Event.Kind), msg.Event)
	}
	return writeSSE(w, "", string(msg.Kind()), msg.Monitor)
}

// writeSSE writes one server-sent event frame.
func writeSSE(w http.ResponseWriter, id, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
