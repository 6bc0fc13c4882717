package alerts

import (
	"context"

	"github.com/mbd888/qff/internal/realtime"
)

// HubNotifier mirrors alerts onto the realtime feed.
type HubNotifier struct {
	hub *realtime.Hub
}

// NewHubNotifier creates a notifier that publishes to hub.
func NewHubNotifier(hub *realtime.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (h *HubNotifier) Name() string { return "realtime" }

func (h *HubNotifier) Notify(_ context.Context, alert *Alert) error {
	h.hub.Publish(realtime.EventAlert, map[string]any{
		"id":       alert.ID,
		"level":    string(alert.Level),
		"title":    alert.Title,
		"message":  alert.Message,
		"metadata": alert.Metadata,
	})
	return nil
}
