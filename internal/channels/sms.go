package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

// WebhookSMSSender posts each SMS to an HTTP gateway. The notification id
// travels as Idempotency-Key so a retried request is not texted twice.
type WebhookSMSSender struct {
	endpoint string
	client   *http.Client
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Ref     string `json:"ref"`
}

func NewWebhookSMSSender(endpoint string, client *http.Client) (*WebhookSMSSender, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid sms webhook url %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSMSSender{endpoint: endpoint, client: client}, nil
}

func (s *WebhookSMSSender) Send(ctx context.Context, destination string, n *models.Notification) error {
	if destination == "" {
		return apperr.Permanent(errors.New("empty phone number"))
	}
	body, err := json.Marshal(smsRequest{To: destination, Message: n.Message, Ref: n.ID})
	if err != nil {
		return apperr.Permanent(fmt.Errorf("marshal sms: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperr.Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	case resp.StatusCode < 500:
		return apperr.Permanent(fmt.Errorf("sms gateway rejected: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
}
