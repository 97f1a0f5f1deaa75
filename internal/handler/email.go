package handler

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// EmailConfig holds the SMTP settings for outbound notifications.
// An empty Host switches the sender to log-only delivery.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailSender sends the notification template named by the schedule's
// config.
type EmailSender struct {
	logger *zap.Logger
	config EmailConfig
}

func NewEmailSender(logger *zap.Logger, config EmailConfig) *EmailSender {
	return &EmailSender{logger: logger, config: config}
}

// Work implements the send_email task type.
func (h *EmailSender) Work(ctx context.Context, config map[string]any) error {
	templateID, _ := config["templateId"].(string)
	if templateID == "" {
		return fmt.Errorf("templateId is required")
	}

	if h.config.Host == "" {
		h.logger.Info("SMTP not configured, logging email instead",
			zap.String("template_id", templateID),
			zap.Strings("recipients", h.config.Recipients))
		return nil
	}

	body := strings.Join([]string{
		"From: " + h.config.From,
		"To: " + strings.Join(h.config.Recipients, ", "),
		"Subject: Scheduled notification: " + templateID,
		"",
		fmt.Sprintf("Automated delivery of template %q.", templateID),
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	auth := smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	if err := smtp.SendMail(addr, auth, h.config.From, h.config.Recipients, []byte(body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	h.logger.Info("Email sent",
		zap.String("template_id", templateID),
		zap.Int("recipients", len(h.config.Recipients)))
	return nil
}
