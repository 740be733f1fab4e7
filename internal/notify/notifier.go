package notify

import (
	"context"

	"github.com/nholik/role-sentinel/internal/transition"
)

// Notifier delivers reconciliation events to external systems. Delivery
// failures are the caller's to log and drop; they never affect the loop.
type Notifier interface {
	Notify(ctx context.Context, node string, events []transition.Event) error
}
