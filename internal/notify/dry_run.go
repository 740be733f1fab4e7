package notify

import (
	"context"

	"github.com/nholik/role-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

// DryRunNotifier logs events without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger) *DryRunNotifier {
	return &DryRunNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, node string, events []transition.Event) error {
	for _, event := range events {
		n.logger.Info().
			Str("node", node).
			Str("event", string(event.Type)).
			Str("unit", event.Unit).
			Str("detail", event.Detail).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
