// Package ai turns free-form chat text into reminder intents using an
// OpenAI-compatible chat completion API with a strict JSON schema.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
)

const (
	ActionCreateReminder = "create_reminder"
	ActionListReminders  = "list_reminders"
	ActionCancelReminder = "cancel_reminder"
	ActionPauseReminder  = "pause_reminder"
	ActionResumeReminder = "resume_reminder"
	ActionUnknown        = "unknown"
)

// WhenLayout is the local wall-clock format the model is asked to produce.
const WhenLayout = "2006-01-02 15:04"

type Client struct {
	client *openai.Client
	model  string
}

func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Intent is the structured reading of one chat message.
type Intent struct {
	Action     string  `json:"action"`
	Title      string  `json:"title"`
	When       string  `json:"when"`  // WhenLayout in the user's time zone
	RRule      string  `json:"rrule"` // FREQ/INTERVAL/UNTIL only
	ReminderID string  `json:"reminder_id"`
	Confidence float64 `json:"confidence"`
	// NeedMoreInfo is set when the message lacks a title or time.
	NeedMoreInfo bool   `json:"need_more_info"`
	AIMessage    string `json:"ai_message"`
	RawResponse  string `json:"-"`
}

// Time resolves When in loc.
func (i *Intent) Time(loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(i.When) == "" {
		return time.Time{}, apperr.Validation("date", "is required")
	}
	t, err := time.ParseInLocation(WhenLayout, strings.TrimSpace(i.When), loc)
	if err != nil {
		return time.Time{}, apperr.Validation("date", fmt.Sprintf("cannot parse %q", i.When))
	}
	return t, nil
}

const systemPromptTemplate = `You are the LifeLine reminder assistant. Convert the user's message into a structured intent.

Current local time: %s (time zone %s)

Actions:
- create_reminder: schedule a reminder. Requires title and when.
- list_reminders: show the user's reminders.
- cancel_reminder: cancel a reminder. reminder_id is the short id the user quotes.
- pause_reminder: pause a recurring reminder.
- resume_reminder: resume a paused reminder.
- unknown: anything else. Reply briefly in ai_message.

Rules:
1. Resolve relative times ("tomorrow", "in 3 hours", "next Monday") against the current local time and write when as YYYY-MM-DD HH:MM.
2. For repeating reminders set rrule using only FREQ (DAILY, WEEKLY, MONTHLY, YEARLY), INTERVAL and UNTIL. Leave it empty for one-off reminders.
3. If the title or time is missing set need_more_info and ask for it in ai_message.
4. Keep ai_message short and in the user's language.`

func systemPrompt(now time.Time) string {
	return fmt.Sprintf(systemPromptTemplate, now.Format("2006-01-02 15:04 (Monday)"), now.Location())
}

// JSON Schema for structured output
var intentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["create_reminder", "list_reminders", "cancel_reminder", "pause_reminder", "resume_reminder", "unknown"]
		},
		"title": {"type": "string"},
		"when": {"type": "string", "description": "YYYY-MM-DD HH:MM in the user's time zone"},
		"rrule": {"type": "string"},
		"reminder_id": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"need_more_info": {"type": "boolean"},
		"ai_message": {"type": "string"}
	},
	"required": ["action", "title", "when", "rrule", "reminder_id", "confidence", "need_more_info", "ai_message"],
	"additionalProperties": false
}`)

// ParseIntent asks the model to read text relative to now, which should
// already be in the user's location.
func (c *Client) ParseIntent(ctx context.Context, text string, now time.Time) (*Intent, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt(now),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "intent",
				Schema: intentSchema,
				Strict: true,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call AI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from AI")
	}

	content := resp.Choices[0].Message.Content
	intent := &Intent{RawResponse: content}

	if err := json.Unmarshal([]byte(content), intent); err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}
	if intent.Action == "" {
		intent.Action = ActionUnknown
	}

	return intent, nil
}
