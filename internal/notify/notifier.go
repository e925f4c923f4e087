package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

const Subject = "escrow.notifications"

// NATSNotifier publishes escrow notifications on a NATS subject.
// Delivery is fire-and-forget: failures are logged and never propagate
// back into the financial transition that triggered them.
type NATSNotifier struct {
	nc *nats.Conn
}

func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

func (n *NATSNotifier) Notify(ctx context.Context, event string, recipients []string, payload any) {
	msg, err := json.Marshal(map[string]any{
		"event":      event,
		"recipients": recipients,
		"payload":    payload,
	})
	if err != nil {
		telemetry.Logger.Warn("Failed to encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	if err := n.nc.Publish(Subject, msg); err != nil {
		telemetry.Logger.Warn("Failed to publish notification",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Nop discards all notifications. Used in tests and local mode.
type Nop struct{}

func (Nop) Notify(ctx context.Context, event string, recipients []string, payload any) {}
