package repository

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

// fakeRow replays the column values Create writes, the way Postgres hands
// them back: timestamptz as UTC instants.
type fakeRow struct {
	values []any
}

func (f fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		v := reflect.ValueOf(f.values[i])
		target := reflect.ValueOf(d).Elem()
		if !v.IsValid() {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(v)
	}
	return nil
}

func rowFor(rem *models.Reminder) fakeRow {
	next := rem.NextDue
	if next != nil {
		utc := next.UTC()
		next = &utc
	}
	return fakeRow{values: []any{
		rem.ID, rem.UserID, rem.Title, rem.Category,
		rem.BaseDate.UTC(), zoneName(rem.BaseDate),
		string(rem.Recurrence.Kind), rem.Recurrence.Interval, rem.Recurrence.Until,
		next, string(rem.Status), rem.LastFiredAt,
		rem.CreatedAt.UTC(), rem.UpdatedAt.UTC(),
	}}
}

func TestScanReminderKeepsBaseZone(t *testing.T) {
	taipei, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	tests := []struct {
		name string
		loc  *time.Location
		zone string
	}{
		{name: "utc", loc: time.UTC, zone: "UTC"},
		{name: "named zone", loc: taipei, zone: "Asia/Taipei"},
		{name: "unnamed positive offset", loc: time.FixedZone("", 8*3600), zone: "+08:00"},
		{name: "unnamed negative offset", loc: time.FixedZone("", -(5*3600 + 30*60)), zone: "-05:30"},
		{name: "unloadable abbreviation", loc: time.FixedZone("XST", 9*3600), zone: "+09:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := time.Date(2024, 1, 31, 0, 30, 0, 0, tt.loc)
			rule := rrule.Rule{Kind: rrule.KindMonthly, Interval: 1}
			want, ok := rrule.Next(rule, base, base)
			require.True(t, ok)

			rem := &models.Reminder{
				ID:         "r1",
				UserID:     "u1",
				Title:      "Rent",
				BaseDate:   base,
				Recurrence: rule,
				NextDue:    &want,
				Status:     models.ReminderActive,
				CreatedAt:  base,
				UpdatedAt:  base,
			}
			assert.Equal(t, tt.zone, zoneName(base))

			got, err := scanReminder(rowFor(rem))
			require.NoError(t, err)

			_, wantOffset := base.Zone()
			_, gotOffset := got.BaseDate.Zone()
			assert.Equal(t, wantOffset, gotOffset)
			assert.True(t, base.Equal(got.BaseDate))
			assert.Equal(t, base.Day(), got.BaseDate.Day())

			next, ok := rrule.Next(got.Recurrence, got.BaseDate, got.BaseDate)
			require.True(t, ok)
			assert.True(t, want.Equal(next), "want %s, got %s", want, next)
			assert.Equal(t, 29, next.In(tt.loc).Day())
		})
	}
}

func TestParseZoneFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, parseZone("Not/AZone"))
	assert.Equal(t, time.UTC, parseZone("+8:000"))
}
