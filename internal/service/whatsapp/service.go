package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	client "github.com/mamadbah2/farmsync/pkg/clients/whatsapp"
)

const sendTimeout = 10 * time.Second

// AlertNotifier delivers alerts as WhatsApp text messages to the configured
// recipients.
type AlertNotifier struct {
	client     client.Sender
	recipients []string
	logger     *zap.Logger
}

// NewAlertNotifier wires a notifier. WHATSAPP_ALERT_RECIPIENT may hold a
// comma separated list of numbers.
func NewAlertNotifier(cfg config.WhatsAppConfig, c client.Sender, logger *zap.Logger) *AlertNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	var recipients []string
	for _, r := range strings.Split(cfg.AlertRecipient, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	return &AlertNotifier{client: c, recipients: recipients, logger: logger}
}

// Notify sends the alert to every recipient and returns the first failure.
func (n *AlertNotifier) Notify(ctx context.Context, alert models.AlertInfo, reminder bool) error {
	body := FormatAlert(alert, reminder)

	var firstErr error
	for _, to := range n.recipients {
		ctxWithTimeout, cancel := context.WithTimeout(ctx, sendTimeout)
		delivery, err := n.client.SendAlert(ctxWithTimeout, client.AlertMessage{
			To:      to,
			Text:    body,
			AlertID: alert.ID,
		})
		cancel()
		if err != nil {
			n.logger.Warn("alert notification failed",
				zap.String("alert_id", alert.ID),
				zap.String("to", to),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var messageID string
		if delivery != nil {
			messageID = delivery.MessageID
		}
		n.logger.Info("alert notification sent",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
			zap.Bool("reminder", reminder),
			zap.String("message_id", messageID))
	}
	return firstErr
}

// FormatAlert renders the message body for an alert.
func FormatAlert(alert models.AlertInfo, reminder bool) string {
	var b strings.Builder
	if reminder {
		b.WriteString("Reminder: ")
	}
	b.WriteString(alert.Summary())
	fmt.Fprintf(&b, "\nRaised %s UTC", alert.Timestamp.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "\nAcknowledge with id %s", alert.ID)
	return b.String()
}
