package notify

import (
	"context"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

// Sender delivers one mail. The default sends through an SMTP relay.
type Sender func(e *email.Email) error

// Mailer sends notifications by mail from a background goroutine.
type Mailer struct {
	from  string
	to    []string
	send  Sender
	log   *zap.SugaredLogger
	queue chan *email.Email
}

// NewMailer creates a mailer relaying through smtpAddr. A non-nil send
// replaces SMTP delivery.
func NewMailer(from string, to []string, smtpAddr string, send Sender, log *zap.Logger) *Mailer {
	if send == nil {
		send = func(e *email.Email) error { return e.Send(smtpAddr, nil) }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mailer{
		from:  from,
		to:    to,
		send:  send,
		log:   log.Sugar(),
		queue: make(chan *email.Email, 64),
	}
}

// Notify queues a mail. It drops the mail if the queue is full.
func (m *Mailer) Notify(system, text string) {
	e := email.NewEmail()
	e.From = m.from
	e.To = m.to
	e.Subject = "failsafe notification (" + system + ")"
	e.Text = []byte(text + "\n")
	select {
	case m.queue <- e:
	default:
		m.log.Warnf("Mail queue full, dropping notification: %s", text)
	}
}

// Run delivers queued mails until ctx is done.
func (m *Mailer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.queue:
			if err := m.send(e); err != nil {
				m.log.Errorf("Could not send notification mail to %v: %v", m.to, err)
			}
		}
	}
}
