package services

import (
	"context"
	"time"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/sse"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// ProgressSink receives progress events from the coordinator. Publishing is
// observability, not correctness: implementations must not block the caller
// and must swallow transport failures.
type ProgressSink interface {
	Publish(event types.ProgressEvent)
}

type sseProgressSink struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus SSEBus
}

// NewSSEProgressSink routes events into the in-process hub, or through the
// redis bus when one is configured so every process's hub sees them.
func NewSSEProgressSink(baseLog *logger.Logger, hub *sse.SSEHub, bus SSEBus) ProgressSink {
	return &sseProgressSink{
		log: baseLog.With("service", "SSEProgressSink"),
		hub: hub,
		bus: bus,
	}
}

func (s *sseProgressSink) Publish(event types.ProgressEvent) {
	msg := sse.SSEMessage{
		Channel: event.BuildJobID.String(),
		Event:   sse.SSEEventJobProgress,
		Data:    event,
	}
	if s.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.log.Warn("Failed to publish progress event to bus", "build_job_id", event.BuildJobID, "error", err)
		}
		return
	}
	s.hub.Broadcast(msg)
}
