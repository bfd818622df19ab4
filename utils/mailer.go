package utils

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"toolforge/config"
)

// SendReceiptEmail sends a purchase receipt. Failures are logged only; a
// missing receipt must never fail the credit grant that triggered it.
func SendReceiptEmail(to string, credits int, description string) error {
	if config.AppConfig.SMTPHost == "" {
		logrus.WithField("to", to).Debug("SMTP not configured, skipping receipt email")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", config.AppConfig.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Your credit purchase receipt")
	m.SetBody("text/html", fmt.Sprintf(
		"<p>Thanks for your purchase!</p><p><b>%d credits</b> (%s) have been added to your account.</p>",
		credits, description,
	))

	d := gomail.NewDialer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
	)
	return d.DialAndSend(m)
}

// SendWelcomeEmail greets a new account
func SendWelcomeEmail(to string) error {
	if config.AppConfig.SMTPHost == "" {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", config.AppConfig.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Welcome to Toolforge")
	m.SetBody("text/html",
		"<p>Welcome! Your account starts with 5 free credits, refreshed every week.</p>")

	d := gomail.NewDialer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
	)
	return d.DialAndSend(m)
}
