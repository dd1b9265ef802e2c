package live

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler processes one device message for a ward.
type Handler func(ctx context.Context, wardID string, msg Message) error

// Router dispatches device frames by message type.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for messages of type typ, replacing any previous handler.
func (r *Router) Handle(typ string, h Handler) {
	r.handlers[typ] = h
}

// Dispatch parses frame and runs its handler. Unknown types are logged and ignored.
func (r *Router) Dispatch(ctx context.Context, wardID string, frame []byte) error {
	msg, err := ParseMessage(frame)
	if err != nil {
		slog.Warn("live_frame_invalid", "ward_id", wardID, "error", err.Error())
		return err
	}
	h, ok := r.handlers[msg.Type]
	if !ok {
		slog.Debug("live_frame_ignored", "ward_id", wardID, "type", msg.Type)
		return nil
	}
	if err := h(ctx, wardID, msg); err != nil {
		slog.Warn("live_frame_failed", "ward_id", wardID, "type", msg.Type, "error", err.Error())
		return fmt.Errorf("%s: %w", msg.Type, err)
	}
	return nil
}
