package activity

import (
	"context"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

// HeartbeatService feeds session.heartbeat bus events into the tracker
// so external gateways can keep sessions alive without terminal output.
type HeartbeatService struct {
	tracker *Tracker
	bus     bus.EventBus
	logger  *logger.Logger
	sub     bus.Subscription
}

// NewHeartbeatService creates the heartbeat listener. Start must be
// called before heartbeats are recorded.
func NewHeartbeatService(tracker *Tracker, eventBus bus.EventBus, log *logger.Logger) *HeartbeatService {
	return &HeartbeatService{
		tracker: tracker,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "heartbeat_service")),
	}
}

// Start subscribes to heartbeat events.
func (h *HeartbeatService) Start() error {
	sub, err := h.bus.Subscribe(events.SessionHeartbeat, func(ctx context.Context, event *bus.Event) error {
		name, _ := event.Data["name"].(string)
		if name == "" {
			h.logger.Warn("heartbeat event without session name", zap.String("event_id", event.ID))
			return nil
		}
		h.tracker.RecordHeartbeat(name)
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	h.logger.Info("heartbeat service started")
	return nil
}

// Stop removes the subscription.
func (h *HeartbeatService) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}
