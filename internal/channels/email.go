package channels

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

// SendMailFunc has the signature of smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailSender struct {
	addr     string
	from     *mail.Address
	auth     smtp.Auth
	sendMail SendMailFunc
	now      func() time.Time
}

type EmailOption func(*EmailSender)

func WithAuth(a smtp.Auth) EmailOption {
	return func(s *EmailSender) { s.auth = a }
}

func WithSendMail(f SendMailFunc) EmailOption {
	return func(s *EmailSender) { s.sendMail = f }
}

// NewEmailSender sends through the SMTP relay at addr ("host:port").
func NewEmailSender(addr, from string, opts ...EmailOption) (*EmailSender, error) {
	if addr == "" {
		return nil, errors.New("smtp address is required")
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	s := &EmailSender{
		addr:     addr,
		from:     sender,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *EmailSender) Send(ctx context.Context, destination string, n *models.Notification) error {
	to, err := mail.ParseAddress(destination)
	if err != nil {
		return apperr.Permanent(fmt.Errorf("invalid email address %q: %w", destination, err))
	}
	msg := s.compose(to, n)

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from.Address, []string{to.Address}, msg)
	}()

	select {
	case err := <-done:
		return classifySMTP(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EmailSender) compose(to *mail.Address, n *models.Notification) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k + ": " + v + "\r\n")
	}
	header("From", s.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", "Reminder: "+n.Message))
	header("Date", s.now().Format(time.RFC1123Z))
	header("Message-ID", "<"+n.ID+"@lifeline>")
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(n.Message + "\r\n")
	if n.Type != "" && n.Type != "reminder" {
		b.WriteString("\r\nCategory: " + n.Type + "\r\n")
	}
	return []byte(b.String())
}

// classifySMTP treats 5xx replies as permanent. Connection errors and 4xx
// replies are retried.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return apperr.Permanent(fmt.Errorf("smtp: %w", err))
	}
	return fmt.Errorf("smtp: %w", err)
}
