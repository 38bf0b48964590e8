package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

type ContactSource interface {
	ListByUser(ctx context.Context, userID string) ([]models.Contact, error)
}

type SettingsSource interface {
	GetOrDefault(ctx context.Context, userID string) (*models.UserSettings, error)
}

// Policy picks the secondary channels for a notification: every enabled
// contact of the user, unless the user is inside quiet hours.
type Policy struct {
	contacts ContactSource
	settings SettingsSource
}

func NewPolicy(contacts ContactSource, settings SettingsSource) (*Policy, error) {
	if contacts == nil {
		return nil, errors.New("contact source is required")
	}
	if settings == nil {
		return nil, errors.New("settings source is required")
	}
	return &Policy{contacts: contacts, settings: settings}, nil
}

func (p *Policy) ChannelsFor(ctx context.Context, userID string, now time.Time) ([]models.Contact, error) {
	settings, err := p.settings.GetOrDefault(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings.IsQuietHours(now) {
		return nil, nil
	}

	contacts, err := p.contacts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	out := contacts[:0:0]
	for _, c := range contacts {
		if c.Enabled && c.Destination != "" && c.Kind.Valid() {
			out = append(out, c)
		}
	}
	return out, nil
}
