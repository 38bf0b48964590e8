package models

import (
	"time"
)

// UserSettings holds per-user delivery preferences for secondary channels.
type UserSettings struct {
	UserID     string    `json:"user_id"`
	Timezone   string    `json:"timezone"`
	QuietStart string    `json:"quiet_start"` // HH:MM format, empty disables quiet hours
	QuietEnd   string    `json:"quiet_end"`   // HH:MM format
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewDefaultUserSettings creates settings without quiet hours in UTC
func NewDefaultUserSettings(userID string) *UserSettings {
	return &UserSettings{
		UserID:    userID,
		Timezone:  "UTC",
		UpdatedAt: time.Now(),
	}
}

// Location resolves the user's timezone, falling back to UTC.
func (s *UserSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || s.Timezone == "" {
		return time.UTC
	}
	return loc
}

// IsQuietHours checks if the given time is within quiet hours
func (s *UserSettings) IsQuietHours(t time.Time) bool {
	if s.QuietStart == "" || s.QuietEnd == "" {
		return false
	}

	localTime := t.In(s.Location())
	currentMinutes := localTime.Hour()*60 + localTime.Minute()

	startHour, startMin, ok := parseTimeString(s.QuietStart)
	if !ok {
		return false
	}
	endHour, endMin, ok := parseTimeString(s.QuietEnd)
	if !ok {
		return false
	}

	startMinutes := startHour*60 + startMin
	endMinutes := endHour*60 + endMin

	// Overnight window, e.g. 22:00 - 08:00
	if startMinutes > endMinutes {
		return currentMinutes >= startMinutes || currentMinutes < endMinutes
	}
	return currentMinutes >= startMinutes && currentMinutes < endMinutes
}

// parseTimeString parses "HH:MM" format to hours and minutes
func parseTimeString(timeStr string) (hour, min int, ok bool) {
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}
