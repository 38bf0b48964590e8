package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/database"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

const reminderColumns = `id, user_id, title, category, base_date, base_tz,
	recurrence_kind, recurrence_interval, recurrence_until,
	next_due, status, last_fired_at, created_at, updated_at`

type ReminderRepository struct {
	db *database.DB
}

func NewReminderRepository(db *database.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

func (r *ReminderRepository) Create(ctx context.Context, reminder *models.Reminder) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		reminder.ID, reminder.UserID, reminder.Title, reminder.Category,
		reminder.BaseDate, zoneName(reminder.BaseDate),
		string(reminder.Recurrence.Kind), reminder.Recurrence.Interval, reminder.Recurrence.Until,
		reminder.NextDue, string(reminder.Status), reminder.LastFiredAt,
		reminder.CreatedAt, reminder.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reminder %s: %w", reminder.ID, err)
	}
	return nil
}

func (r *ReminderRepository) Get(ctx context.Context, id string) (*models.Reminder, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	reminder, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return reminder, nil
}

func (r *ReminderRepository) Update(ctx context.Context, reminder *models.Reminder) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET title = $1, category = $2, base_date = $3, base_tz = $4,
		        recurrence_kind = $5, recurrence_interval = $6, recurrence_until = $7,
		        next_due = $8, status = $9, updated_at = $10
		 WHERE id = $11`,
		reminder.Title, reminder.Category, reminder.BaseDate, zoneName(reminder.BaseDate),
		string(reminder.Recurrence.Kind), reminder.Recurrence.Interval, reminder.Recurrence.Until,
		reminder.NextDue, string(reminder.Status), reminder.UpdatedAt,
		reminder.ID,
	)
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", reminder.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", reminder.ID, apperr.ErrNotFound)
	}
	return nil
}

func (r *ReminderRepository) ListByUser(ctx context.Context, userID string) ([]*models.Reminder, error) {
	return r.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = $1
		 ORDER BY next_due ASC NULLS LAST, created_at ASC`,
		userID,
	)
}

// ListActive returns every reminder that belongs in the due-time index.
func (r *ReminderRepository) ListActive(ctx context.Context) ([]*models.Reminder, error) {
	return r.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = 'active' AND next_due IS NOT NULL
		 ORDER BY next_due ASC`,
	)
}

func (r *ReminderRepository) SetStatus(ctx context.Context, id string, status models.ReminderStatus, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at, id,
	)
	if err != nil {
		return fmt.Errorf("set reminder %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// MarkFired records a fire. A nil next means the reminder is exhausted and
// becomes cancelled.
func (r *ReminderRepository) MarkFired(ctx context.Context, id string, firedAt time.Time, next *time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE reminders
		 SET last_fired_at = $1, next_due = $2, updated_at = $1,
		     status = CASE WHEN $2::timestamptz IS NULL THEN 'cancelled' ELSE status END
		 WHERE id = $3`,
		firedAt, next, id,
	)
	if err != nil {
		return fmt.Errorf("mark reminder %s fired: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (r *ReminderRepository) query(ctx context.Context, sql string, args ...any) ([]*models.Reminder, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*models.Reminder
	for rows.Next() {
		reminder, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, reminder)
	}
	return reminders, rows.Err()
}

func scanReminder(row pgx.Row) (*models.Reminder, error) {
	var (
		reminder models.Reminder
		baseTZ   string
		kind     string
		status   string
	)
	err := row.Scan(
		&reminder.ID, &reminder.UserID, &reminder.Title, &reminder.Category,
		&reminder.BaseDate, &baseTZ,
		&kind, &reminder.Recurrence.Interval, &reminder.Recurrence.Until,
		&reminder.NextDue, &status, &reminder.LastFiredAt,
		&reminder.CreatedAt, &reminder.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	reminder.Recurrence.Kind = rrule.Kind(kind)
	reminder.Status = models.ReminderStatus(status)

	// Postgres keeps instants only; restore the wall-clock zone recurrence
	// arithmetic is anchored in.
	reminder.BaseDate = reminder.BaseDate.In(parseZone(baseTZ))
	return &reminder, nil
}

// zoneName encodes t's location for the base_tz column. Locations without a
// loadable IANA name, such as the fixed offsets produced by parsing RFC 3339,
// are stored as "+HH:MM".
func zoneName(t time.Time) string {
	if name := t.Location().String(); name != "" {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, offset%3600/60)
}

func parseZone(name string) *time.Location {
	if len(name) == 6 && (name[0] == '+' || name[0] == '-') && name[3] == ':' {
		var h, m int
		if _, err := fmt.Sscanf(name[1:], "%02d:%02d", &h, &m); err == nil {
			offset := h*3600 + m*60
			if name[0] == '-' {
				offset = -offset
			}
			return time.FixedZone("", offset)
		}
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.UTC
}
