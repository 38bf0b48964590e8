// Package format renders notifications and reminder lists as Telegram text
// with message entities, so no parse mode or escaping is needed.
package format

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

// ParseResult contains plain text and message entities
type ParseResult struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

// UTF16Len calculates the UTF-16 length of a string
// This is required because Telegram uses UTF-16 code units for entity offsets/lengths
func UTF16Len(s string) int {
	length := 0
	for _, b := range []byte(s) {
		if (b & 0xc0) != 0x80 {
			if b >= 0xf0 {
				length += 2 // Non-BMP characters (surrogate pairs)
			} else {
				length += 1
			}
		}
	}
	return length
}

// Builder appends text runs and records an entity for each styled run.
type Builder struct {
	sb       strings.Builder
	offset   int
	entities []tgbotapi.MessageEntity
}

func (b *Builder) Plain(s string) *Builder {
	b.sb.WriteString(s)
	b.offset += UTF16Len(s)
	return b
}

func (b *Builder) Bold(s string) *Builder   { return b.styled("bold", s) }
func (b *Builder) Italic(s string) *Builder { return b.styled("italic", s) }
func (b *Builder) Code(s string) *Builder   { return b.styled("code", s) }

func (b *Builder) styled(kind, s string) *Builder {
	if s == "" {
		return b
	}
	n := UTF16Len(s)
	b.entities = append(b.entities, tgbotapi.MessageEntity{Type: kind, Offset: b.offset, Length: n})
	b.sb.WriteString(s)
	b.offset += n
	return b
}

func (b *Builder) Result() ParseResult {
	return ParseResult{Text: b.sb.String(), Entities: b.entities}
}

// Notification renders a fired reminder for the push channel.
func Notification(n *models.Notification) ParseResult {
	var b Builder
	b.Plain("🔔 ").Bold(n.Message)
	if n.Type != "" {
		b.Plain("\n").Italic("#" + n.Type)
	}
	return b.Result()
}

// ReminderList renders reminders one per line with their next due time in loc.
func ReminderList(reminders []*models.Reminder, loc *time.Location) ParseResult {
	var b Builder
	if len(reminders) == 0 {
		return b.Plain("No reminders.").Result()
	}
	b.Bold(fmt.Sprintf("Reminders (%d)", len(reminders)))
	for _, r := range reminders {
		b.Plain("\n").Code(ShortID(r.ID)).Plain(" " + r.Title)
		switch {
		case r.Status == models.ReminderPaused:
			b.Plain(" ").Italic("paused")
		case r.NextDue != nil:
			b.Plain(" · " + r.NextDue.In(loc).Format("2006-01-02 15:04"))
		}
		if r.IsRecurring() {
			b.Plain(" (" + rrule.Describe(r.Recurrence) + ")")
		}
	}
	return b.Result()
}

// ShortID is the prefix users type to refer to a reminder.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
