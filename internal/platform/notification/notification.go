// Package notification delivers prescription documents by email or SMS.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Channels and results
// ---------------------------------------------------------------------------

// Channel is the delivery channel of a communication.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

// ParseChannel accepts the lower or upper case channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	}
	return "", fmt.Errorf("unsupported channel %q", s)
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Result is the outcome of one dispatch attempt.
type Result struct {
	ID                string
	Status            string
	ProviderMessageID string
}

// Attachment is a file sent along with an email.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Request describes one communication to deliver.
type Request struct {
	// ID identifies the attempt, usually the communication record id.
	ID         string
	Channel    Channel
	Recipient  string
	Content    PrescriptionContent
	Attachment *Attachment
}

// ---------------------------------------------------------------------------
// Sender interfaces
// ---------------------------------------------------------------------------

// EmailMessage is a rendered email.
type EmailMessage struct {
	To         string
	Subject    string
	HTMLBody   string
	TextBody   string
	Attachment *Attachment
}

// EmailSender delivers an email and returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// SMSSender delivers a text message and returns the provider message id.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher renders and delivers communications under a deadline.
type Dispatcher struct {
	email   EmailSender
	sms     SMSSender
	timeout time.Duration
	logger  zerolog.Logger
	counter *prometheus.CounterVec
}

// NewDispatcher returns a Dispatcher. counter may be nil; when set it must
// have the labels channel and status.
func NewDispatcher(email EmailSender, sms SMSSender, timeout time.Duration, logger zerolog.Logger, counter *prometheus.CounterVec) *Dispatcher {
	return &Dispatcher{email: email, sms: sms, timeout: timeout, logger: logger, counter: counter}
}

// Dispatch delivers req. The returned Result is never nil; a non-nil error
// always comes with StatusFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := &Result{ID: req.ID, Status: StatusFailed}

	if strings.TrimSpace(req.Recipient) == "" {
		return res, errors.New("recipient is required")
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var providerID string
	var err error
	switch req.Channel {
	case ChannelEmail:
		var msg EmailMessage
		msg, err = RenderEmail(req.Content)
		if err == nil {
			msg.To = req.Recipient
			msg.Attachment = req.Attachment
			providerID, err = d.email.SendEmail(ctx, msg)
		}
	case ChannelSMS:
		providerID, err = d.sms.SendSMS(ctx, req.Recipient, RenderSMS(req.Content))
	default:
		err = fmt.Errorf("unsupported channel %q", req.Channel)
	}

	if err != nil {
		d.count(req.Channel, StatusFailed)
		d.logger.Warn().Err(err).Str("communication_id", req.ID).Str("channel", string(req.Channel)).Msg("dispatch failed")
		return res, err
	}

	res.Status = StatusSent
	res.ProviderMessageID = providerID
	d.count(req.Channel, StatusSent)
	d.logger.Info().Str("communication_id", req.ID).Str("channel", string(req.Channel)).
		Str("provider_message_id", providerID).Msg("communication dispatched")
	return res, nil
}

func (d *Dispatcher) count(ch Channel, status string) {
	if d.counter != nil {
		d.counter.WithLabelValues(string(ch), status).Inc()
	}
}

// ---------------------------------------------------------------------------
// Demo sender
// ---------------------------------------------------------------------------

// LogSender stands in for an unconfigured channel. It logs the attempt and
// reports success.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	s.logger.Info().Str("to", MaskRecipient(msg.To)).Str("subject", msg.Subject).Msg("[demo] email not sent, no SMTP server configured")
	return "demo-" + uuid.NewString(), nil
}

func (s *LogSender) SendSMS(_ context.Context, to, _ string) (string, error) {
	s.logger.Info().Str("to", MaskRecipient(to)).Msg("[demo] sms not sent, no SMS provider configured")
	return "demo-" + uuid.NewString(), nil
}

// MaskRecipient hides most of an address or phone number for logs.
func MaskRecipient(r string) string {
	if at := strings.IndexByte(r, '@'); at > 0 {
		return r[:1] + "***" + r[at:]
	}
	if len(r) > 4 {
		return strings.Repeat("*", len(r)-4) + r[len(r)-4:]
	}
	return "***"
}

// ---------------------------------------------------------------------------
// Mock senders (test doubles)
// ---------------------------------------------------------------------------

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailMessage
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	if m.ShouldFail {
		return "", errors.New(m.FailError)
	}
	return fmt.Sprintf("mock-email-%d", len(m.calls)), nil
}

// Calls returns a copy of recorded emails.
func (m *MockEmailSender) Calls() []EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailMessage, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return "", errors.New(m.FailError)
	}
	return fmt.Sprintf("mock-sms-%d", len(m.calls)), nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
