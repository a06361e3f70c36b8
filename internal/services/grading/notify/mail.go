package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridSender delivers notifications through the SendGrid v3 API.
type SendGridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

// NewSendGridSender creates a sender for fromEmail.
func NewSendGridSender(key, appName, fromEmail string) *SendGridSender {
	return &SendGridSender{
		key:        key,
		host:       sendgridHost,
		from:       sgmail.NewEmail(appName, fromEmail),
		subjPrefix: "[" + appName + "] ",
	}
}

func (s *SendGridSender) prepare(recipient, subject, body string) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + subject
	p.AddTos(sgmail.NewEmail("", recipient))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", body))
	return m
}

// Send posts one message, abandoning the request when ctx ends. Status codes
// of 400 and above are errors.
func (s *SendGridSender) Send(ctx context.Context, recipient, subject, body string) error {
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(recipient, subject, body))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid status %d: %s", res.StatusCode, strings.TrimSpace(res.Body))
	}
	return nil
}

// ConsoleSender writes notifications to a writer instead of mailing them.
type ConsoleSender struct {
	mu   sync.Mutex
	from string
	out  io.Writer
	now  func() time.Time

	// Sent records every delivered message.
	Sent []Message
}

// Message is one notification handed to a sender.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// NewConsoleSender creates a ConsoleSender. A nil out logs through the
// standard logger.
func NewConsoleSender(from string, out io.Writer) *ConsoleSender {
	return &ConsoleSender{from: from, out: out, now: time.Now}
}

func (c *ConsoleSender) Send(_ context.Context, recipient, subject, body string) error {
	text := new(strings.Builder)
	_, _ = fmt.Fprintf(text, "From: %s\r\n", c.from)
	_, _ = fmt.Fprintf(text, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(text, "Subject: %s\r\n", subject)
	_, _ = fmt.Fprintf(text, "To: %s\r\n\r\n", recipient)
	_, _ = fmt.Fprintf(text, "%s\r\n", body)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, Message{Recipient: recipient, Subject: subject, Body: body})
	if c.out == nil {
		log.Println(text.String())
		return nil
	}
	_, err := io.WriteString(c.out, text.String())
	return err
}
