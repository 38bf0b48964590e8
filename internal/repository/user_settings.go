package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/lifeline-notifier/internal/database"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

type UserSettingsRepository struct {
	db *database.DB
}

func NewUserSettingsRepository(db *database.DB) *UserSettingsRepository {
	return &UserSettingsRepository{db: db}
}

// GetOrDefault retrieves user settings, returning defaults when none are stored
func (r *UserSettingsRepository) GetOrDefault(ctx context.Context, userID string) (*models.UserSettings, error) {
	settings := &models.UserSettings{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, timezone, quiet_start, quiet_end, updated_at
		 FROM user_settings WHERE user_id = $1`,
		userID,
	).Scan(&settings.UserID, &settings.Timezone, &settings.QuietStart, &settings.QuietEnd, &settings.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewDefaultUserSettings(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings for %s: %w", userID, err)
	}
	return settings, nil
}

// Upsert stores timezone and quiet hours
func (r *UserSettingsRepository) Upsert(ctx context.Context, settings *models.UserSettings) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, timezone, quiet_start, quiet_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET timezone = EXCLUDED.timezone, quiet_start = EXCLUDED.quiet_start,
		     quiet_end = EXCLUDED.quiet_end, updated_at = EXCLUDED.updated_at`,
		settings.UserID, settings.Timezone, settings.QuietStart, settings.QuietEnd, settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert settings for %s: %w", settings.UserID, err)
	}
	return nil
}
