package dispatcher

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

// Sender delivers a notification over one secondary channel kind.
// Errors wrapped with apperr.Permanent are not retried.
type Sender interface {
	Send(ctx context.Context, destination string, n *models.Notification) error
}

// Alerter receives every delivery that ended failed.
type Alerter interface {
	Alert(ctx context.Context, failure models.DeliveryFailure) error
}

// ChannelPolicy picks the secondary channels a notification goes out on.
type ChannelPolicy interface {
	ChannelsFor(ctx context.Context, userID string, now time.Time) ([]models.Contact, error)
}
