package rrule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestNext_Weekly(t *testing.T) {
	rule := Rule{Kind: KindWeekly, Interval: 1}
	base := date(2024, time.January, 1)

	next, ok := Next(rule, base, base)
	require.True(t, ok)
	assert.Equal(t, date(2024, time.January, 8), next)

	next, ok = Next(rule, base, next)
	require.True(t, ok)
	assert.Equal(t, date(2024, time.January, 15), next)
}

func TestNext_MonthlyClampsToLastDay(t *testing.T) {
	rule := Rule{Kind: KindMonthly}

	t.Run("leap year", func(t *testing.T) {
		base := date(2024, time.January, 31)
		next, ok := Next(rule, base, base)
		require.True(t, ok)
		assert.Equal(t, date(2024, time.February, 29), next)
	})

	t.Run("non-leap year", func(t *testing.T) {
		base := date(2023, time.January, 31)
		next, ok := Next(rule, base, base)
		require.True(t, ok)
		assert.Equal(t, date(2023, time.February, 28), next)
	})

	t.Run("clamping does not drift", func(t *testing.T) {
		base := date(2023, time.January, 31)
		feb, _ := Next(rule, base, base)
		mar, ok := Next(rule, base, feb)
		require.True(t, ok)
		assert.Equal(t, date(2023, time.March, 31), mar)
	})
}

func TestNext_YearlyFromLeapDay(t *testing.T) {
	base := date(2024, time.February, 29)
	next, ok := Next(Rule{Kind: KindYearly}, base, base)
	require.True(t, ok)
	assert.Equal(t, date(2025, time.February, 28), next)

	next, ok = Next(Rule{Kind: KindYearly, Interval: 4}, base, base)
	require.True(t, ok)
	assert.Equal(t, date(2028, time.February, 29), next)
}

func TestNext_SkipsToFirstOccurrenceAfterFrom(t *testing.T) {
	base := date(2024, time.January, 1)
	rule := Rule{Kind: KindDaily, Interval: 3}

	next, ok := Next(rule, base, date(2024, time.March, 1))
	require.True(t, ok)
	// Jan 1 + 21*3 days = Mar 4 (2024 is a leap year).
	assert.Equal(t, date(2024, time.March, 4), next)
}

func TestNext_BeforeBaseReturnsBase(t *testing.T) {
	base := date(2024, time.May, 10)
	next, ok := Next(Rule{Kind: KindMonthly}, base, date(2020, time.January, 1))
	require.True(t, ok)
	assert.Equal(t, base, next)
}

func TestNext_None(t *testing.T) {
	base := date(2024, time.May, 10)

	next, ok := Next(Rule{}, base, base.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, base, next)

	_, ok = Next(Rule{}, base, base)
	assert.False(t, ok, "a one-shot rule has nothing after its only occurrence")
}

func TestNext_Until(t *testing.T) {
	base := date(2024, time.January, 1)
	until := date(2024, time.January, 15)
	rule := Rule{Kind: KindWeekly, Until: &until}

	next, ok := Next(rule, base, date(2024, time.January, 8))
	require.True(t, ok, "an occurrence equal to the end date is still valid")
	assert.Equal(t, until, next)

	_, ok = Next(rule, base, until)
	assert.False(t, ok)
}

func TestNext_KeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	base := time.Date(2024, time.March, 9, 9, 0, 0, 0, loc)

	next, ok := Next(Rule{Kind: KindDaily}, base, base)
	require.True(t, ok)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 10, next.Day())
	assert.Equal(t, 23*time.Hour, next.Sub(base))
}

func TestFirst_IncludesNow(t *testing.T) {
	base := date(2024, time.January, 1)
	now := date(2024, time.January, 8)

	first, ok := First(Rule{Kind: KindWeekly}, base, now)
	require.True(t, ok)
	assert.Equal(t, now, first)
}

func TestValidate(t *testing.T) {
	base := date(2024, time.January, 1)
	before := base.Add(-time.Hour)

	cases := []struct {
		name  string
		rule  Rule
		field string
	}{
		{"unknown kind", Rule{Kind: "hourly"}, "recurrence.kind"},
		{"negative interval", Rule{Kind: KindDaily, Interval: -1}, "recurrence.interval"},
		{"huge interval", Rule{Kind: KindDaily, Interval: MaxInterval + 1}, "recurrence.interval"},
		{"interval on one-shot", Rule{Kind: KindNone, Interval: 2}, "recurrence.interval"},
		{"until before base", Rule{Kind: KindDaily, Until: &before}, "recurrence.until"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.rule, base)
			require.Error(t, err)
			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	assert.NoError(t, Validate(Rule{}, base))
	assert.NoError(t, Validate(Rule{Kind: KindYearly, Interval: 2}, base))
}

func TestParseRRULE(t *testing.T) {
	t.Run("frequency and interval", func(t *testing.T) {
		rule, err := ParseRRULE("RRULE:FREQ=WEEKLY;INTERVAL=2")
		require.NoError(t, err)
		assert.Equal(t, KindWeekly, rule.Kind)
		assert.Equal(t, 2, rule.Interval)
		assert.Nil(t, rule.Until)
	})

	t.Run("until", func(t *testing.T) {
		rule, err := ParseRRULE("FREQ=MONTHLY;UNTIL=20240601T000000Z")
		require.NoError(t, err)
		require.NotNil(t, rule.Until)
		assert.True(t, rule.Until.Equal(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("empty is one-shot", func(t *testing.T) {
		rule, err := ParseRRULE("")
		require.NoError(t, err)
		assert.False(t, rule.IsRecurring())
	})

	t.Run("BYDAY is rejected", func(t *testing.T) {
		_, err := ParseRRULE("FREQ=WEEKLY;BYDAY=MO,WE")
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := ParseRRULE("FREQ=SOMETIMES")
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("rendered rule parses back", func(t *testing.T) {
		until := time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC)
		in := Rule{Kind: KindYearly, Interval: 3, Until: &until}
		out, err := ParseRRULE(in.RRULE())
		require.NoError(t, err)
		assert.Equal(t, in.Kind, out.Kind)
		assert.Equal(t, in.Interval, out.Interval)
		require.NotNil(t, out.Until)
		assert.True(t, until.Equal(*out.Until))
	})
}

func TestDescribe(t *testing.T) {
	until := date(2024, time.June, 1)
	assert.Equal(t, "once", Describe(Rule{}))
	assert.Equal(t, "every day", Describe(Rule{Kind: KindDaily}))
	assert.Equal(t, "every 2 weeks, until 2024-06-01", Describe(Rule{Kind: KindWeekly, Interval: 2, Until: &until}))
}
