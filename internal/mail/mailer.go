// Package mail dispatches account emails. Outbound transport is not part of this
// service; LogMailer records each message as a structured log entry that a
// relay or a developer can pick up.
package mail

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"gestion.org/internal/auth"
)

var _ auth.Mailer = (*LogMailer)(nil)

// LogMailer renders activation links and logs outgoing messages.
type LogMailer struct {
	appURL string
	from   string
	log    logrus.FieldLogger
}

// NewLogMailer returns a mailer linking to appURL. A nil logger is rejected.
func NewLogMailer(appURL, from string, log logrus.FieldLogger) (*LogMailer, error) {
	if log == nil {
		return nil, errors.New("mail: logger is required")
	}
	appURL = strings.TrimRight(strings.TrimSpace(appURL), "/")
	if appURL != "" {
		if _, err := url.Parse(appURL); err != nil {
			return nil, err
		}
	}
	return &LogMailer{appURL: appURL, from: from, log: log}, nil
}

// ActivationLink builds the URL a user follows to activate with token.
func (m *LogMailer) ActivationLink(token string) string {
	return m.appURL + "/activate?token=" + url.QueryEscape(token)
}

func (m *LogMailer) SendActivation(ctx context.Context, msg auth.ActivationEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mail: recipient is required")
	}
	entry := m.log.WithFields(logrus.Fields{
		"mail":     "activation",
		"from":     m.from,
		"to":       msg.To,
		"username": msg.Username,
	})
	entry.Info("mail queued")
	entry.WithFields(logrus.Fields{
		"link": m.ActivationLink(msg.Token),
		"code": msg.Code,
	}).Debug("mail content")
	return nil
}

func (m *LogMailer) SendRegistrationConfirmation(ctx context.Context, email, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		return errors.New("mail: recipient is required")
	}
	m.log.WithFields(logrus.Fields{
		"mail":     "registration_confirmation",
		"from":     m.from,
		"to":       email,
		"username": username,
	}).Info("mail queued")
	return nil
}
