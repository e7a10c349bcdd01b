package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"

	"geotrack/internal/config"
	"geotrack/internal/model"
)

// MailNotifier emails every transition to a fixed recipient list.
type MailNotifier struct {
	cfg      config.MailConfig
	cooldown *Cooldown
	send     func(ctx context.Context, subject, body string) error
}

func NewMailNotifier(cfg config.MailConfig) *MailNotifier {
	n := &MailNotifier{cfg: cfg, cooldown: NewCooldown()}
	n.send = n.sendMail
	return n
}

func (n *MailNotifier) Name() string { return "mail" }

func (n *MailNotifier) Publish(ctx context.Context, alert model.TransitionAlert) error {
	if !n.cooldown.Allow(alert.DeviceID, string(alert.Type), n.cfg.Cooldown) {
		return nil
	}
	subject, body := formatMail(alert)
	return n.send(ctx, subject, body)
}

func (n *MailNotifier) sendMail(ctx context.Context, subject, body string) error {
	// notify accumulates receivers, so build the service per message
	svc := mail.New(n.cfg.From, fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort))
	if n.cfg.Username != "" {
		svc.AuthenticateSMTP("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}
	svc.AddReceivers(n.cfg.Recipients...)

	notifier := notify.New()
	notifier.UseServices(svc)
	if err := notifier.Send(ctx, subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *MailNotifier) Close() error { return nil }

func formatMail(alert model.TransitionAlert) (string, string) {
	fences := "none"
	if len(alert.Geofences) > 0 {
		fences = strings.Join(alert.Geofences, ", ")
	}
	subject := fmt.Sprintf("[geotrack] Device %s %s geofence", alert.DeviceID, alert.Type)
	body := fmt.Sprintf(
		"Device: %s\nEvent: %s\nGeofences: %s\nLocation: %.6f, %.6f\nTime: %s",
		alert.DeviceID,
		alert.Type,
		fences,
		alert.Latitude, alert.Longitude,
		time.Unix(0, int64(alert.Timestamp*float64(time.Second))).UTC().Format("2006-01-02 15:04:05 UTC"),
	)
	return subject, body
}
