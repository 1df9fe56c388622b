// Package notify sends candidate status notifications via SMTP.
package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

var (
	ErrNotConfigured = errors.New("notifications not configured")
	ErrNoTemplate    = errors.New("no template for status")
	ErrNoRecipients  = errors.New("at least one recipient is required")
	ErrHeaderBreak   = errors.New("header value contains a line break")
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Message is an editable notification. Templates pre-fill it; the user may
// change recipients and text before sending.
type Message struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return out
}

// Validate checks that the message has at least one well-formed recipient
// and that no header value spans lines.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("subject: %w", ErrHeaderBreak)
	}
	for _, addr := range m.Recipients() {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("recipient %q: %w", addr, ErrHeaderBreak)
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
	}
	return nil
}

type Recipient struct {
	Name  string
	Email string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides notification sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	org      string
	send     sendFunc
	log      logr.Logger
	now      func() time.Time
	messages *templateSet
}

func NewService(config Config, org string, log logr.Logger) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	if org == "" {
		org = "Our team"
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		org:      org,
		send:     smtp.SendMail,
		log:      log,
		now:      time.Now,
		messages: defaultTemplates(),
	}
}

// IsConfigured returns true if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Template renders the status-specific message addressed to the recipient.
func (s *Service) Template(status string, recipient Recipient) (Message, error) {
	subject, body, err := s.messages.render(status, templateData{
		Name:         recipient.Name,
		Status:       status,
		Organization: s.org,
	})
	if err != nil {
		return Message{}, err
	}
	msg := Message{Subject: subject, Body: body}
	if strings.TrimSpace(recipient.Email) != "" {
		msg.To = []string{recipient.Email}
	}
	return msg, nil
}

// SendNotification dispatches msg for a status change of one row.
func (s *Service) SendNotification(ctx context.Context, rowID, templateStatus string, msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw := s.compose(msg)
	if err := s.send(s.server, s.auth, s.config.From, msg.Recipients(), raw); err != nil {
		return fmt.Errorf("send %s notification: %w", templateStatus, err)
	}
	s.log.Info("notification sent", "row", rowID, "status", templateStatus, "recipients", len(msg.Recipients()))
	return nil
}

func (s *Service) compose(msg Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
