package rrule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
)

// Kind is the recurrence frequency of a reminder.
type Kind string

const (
	KindNone    Kind = "none"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindYearly  Kind = "yearly"
)

// MaxInterval bounds Interval so that k*interval stays far from overflow.
const MaxInterval = 1000

// Rule describes how a reminder repeats. The zero value is a one-shot rule.
type Rule struct {
	Kind     Kind       `json:"kind"`
	Interval int        `json:"interval,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

// IsRecurring returns true for every kind except none.
func (r Rule) IsRecurring() bool {
	k := r.normalized().Kind
	return k != KindNone
}

func (r Rule) normalized() Rule {
	if r.Kind == "" {
		r.Kind = KindNone
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	return r
}

// Validate checks that the rule is well formed relative to base.
func Validate(rule Rule, base time.Time) error {
	r := rule.normalized()
	switch r.Kind {
	case KindNone, KindDaily, KindWeekly, KindMonthly, KindYearly:
	default:
		return apperr.Validation("recurrence.kind", fmt.Sprintf("unknown kind %q", rule.Kind))
	}
	if r.Interval < 1 {
		return apperr.Validation("recurrence.interval", "must be a positive integer")
	}
	if r.Interval > MaxInterval {
		return apperr.Validation("recurrence.interval", fmt.Sprintf("must not exceed %d", MaxInterval))
	}
	if r.Kind == KindNone && r.Interval != 1 {
		return apperr.Validation("recurrence.interval", "interval requires a recurring kind")
	}
	if r.Until != nil && r.Until.Before(base) {
		return apperr.Validation("recurrence.until", "end date is before the base date")
	}
	return nil
}

// Next returns the smallest occurrence base + k*interval*unit (k >= 0) that is
// strictly after from. The second result is false once the rule is exhausted,
// either because Until has passed or because a one-shot rule already fired.
func Next(rule Rule, base, from time.Time) (time.Time, bool) {
	r := rule.normalized()
	if r.Interval < 1 {
		return time.Time{}, false
	}

	var next time.Time
	switch r.Kind {
	case KindNone:
		if !base.After(from) {
			return time.Time{}, false
		}
		next = base
	case KindDaily:
		next = nextByDays(base, from, r.Interval)
	case KindWeekly:
		next = nextByDays(base, from, 7*r.Interval)
	case KindMonthly:
		next = nextByMonths(base, from, r.Interval)
	case KindYearly:
		next = nextByMonths(base, from, 12*r.Interval)
	default:
		return time.Time{}, false
	}

	if r.Until != nil && next.After(*r.Until) {
		return time.Time{}, false
	}
	return next, true
}

// First returns the earliest occurrence at or after now. It is used when a
// reminder is created or restored after downtime.
func First(rule Rule, base, now time.Time) (time.Time, bool) {
	return Next(rule, base, now.Add(-time.Nanosecond))
}

// nextByDays steps in calendar days in base's location so the wall-clock time
// of day is kept across DST transitions.
func nextByDays(base, from time.Time, step int) time.Time {
	k := 0
	if !from.Before(base) {
		k = civilDays(base, from.In(base.Location()))/step - 1
		if k < 0 {
			k = 0
		}
	}
	for {
		candidate := base.AddDate(0, 0, k*step)
		if candidate.After(from) {
			return candidate
		}
		k++
	}
}

func nextByMonths(base, from time.Time, step int) time.Time {
	k := 0
	if !from.Before(base) {
		k = monthsBetween(base, from.In(base.Location()))/step - 1
		if k < 0 {
			k = 0
		}
	}
	for {
		candidate := addMonthsClamped(base, k*step)
		if candidate.After(from) {
			return candidate
		}
		k++
	}
}

// addMonthsClamped adds n months to t, clamping the day to the last day of the
// target month instead of overflowing into the next one (Jan 31 + 1 -> Feb 28).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	total := int(m) - 1 + n
	ty := y + total/12
	tm := time.Month(total%12 + 1)
	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func civilDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Unix()
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC).Unix()
	return int((ub - ua) / 86400)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

var freqToKind = map[rrule.Frequency]Kind{
	rrule.DAILY:   KindDaily,
	rrule.WEEKLY:  KindWeekly,
	rrule.MONTHLY: KindMonthly,
	rrule.YEARLY:  KindYearly,
}

var kindToFreq = map[Kind]rrule.Frequency{
	KindDaily:   rrule.DAILY,
	KindWeekly:  rrule.WEEKLY,
	KindMonthly: rrule.MONTHLY,
	KindYearly:  rrule.YEARLY,
}

// ParseRRULE converts an RFC 5545 RRULE string into a Rule. Only FREQ,
// INTERVAL and UNTIL are supported; an empty string is a one-shot rule.
func ParseRRULE(ruleStr string) (Rule, error) {
	ruleStr = strings.TrimPrefix(strings.TrimSpace(ruleStr), "RRULE:")
	if ruleStr == "" {
		return Rule{Kind: KindNone, Interval: 1}, nil
	}

	opt, err := rrule.StrToROption(ruleStr)
	if err != nil {
		return Rule{}, apperr.Validation("recurrence", fmt.Sprintf("failed to parse RRULE: %v", err))
	}

	kind, ok := freqToKind[opt.Freq]
	if !ok {
		return Rule{}, apperr.Validation("recurrence", "unsupported FREQ")
	}
	if opt.Count > 0 || len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 || len(opt.Bymonth) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 {
		return Rule{}, apperr.Validation("recurrence", "only FREQ, INTERVAL and UNTIL are supported")
	}

	rule := Rule{Kind: kind, Interval: opt.Interval}
	if rule.Interval == 0 {
		rule.Interval = 1
	}
	if !opt.Until.IsZero() {
		until := opt.Until
		rule.Until = &until
	}
	return rule, nil
}

// RRULE renders the rule as an RFC 5545 RRULE value. One-shot rules render empty.
func (r Rule) RRULE() string {
	n := r.normalized()
	freq, ok := kindToFreq[n.Kind]
	if !ok {
		return ""
	}
	opt := rrule.ROption{Freq: freq, Interval: n.Interval}
	if n.Until != nil {
		opt.Until = n.Until.UTC()
	}
	return opt.RRuleString()
}

var units = map[Kind]string{
	KindDaily:   "day",
	KindWeekly:  "week",
	KindMonthly: "month",
	KindYearly:  "year",
}

// Describe returns a short English phrase such as "every 2 weeks until 2024-06-01".
func Describe(rule Rule) string {
	r := rule.normalized()
	unit, ok := units[r.Kind]
	if !ok {
		return "once"
	}

	var sb strings.Builder
	if r.Interval == 1 {
		sb.WriteString("every " + unit)
	} else {
		sb.WriteString(fmt.Sprintf("every %d %ss", r.Interval, unit))
	}
	if r.Until != nil {
		sb.WriteString(", until " + r.Until.Format("2006-01-02"))
	}
	return sb.String()
}
