package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.Alerter = (*AlertService)(nil)

// AlertMessage is the payload published on the alerts channel.
type AlertMessage struct {
	Level   domain.AlertLevel `json:"level"`
	Event   string            `json:"event"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
}

// AlertService routes engine alerts to the bus, the audit log and the
// operator channels. Any collaborator may be nil.
type AlertService struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier domain.Alerter
	logger   *slog.Logger
	now      func() time.Time
}

func NewAlertService(bus domain.SignalBus, audit domain.AuditStore, notifier domain.Alerter, logger *slog.Logger) *AlertService {
	return &AlertService{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alert_service")),
		now:      time.Now,
	}
}

// Alert delivers to every configured route and returns the joined errors.
func (s *AlertService) Alert(ctx context.Context, level domain.AlertLevel, event, title, message string) error {
	msg := AlertMessage{Level: level, Event: event, Title: title, Message: message, At: s.now().UTC()}

	switch level {
	case domain.AlertCritical:
		s.logger.ErrorContext(ctx, "alert: "+title, slog.String("event", event), slog.String("message", message))
	case domain.AlertWarning:
		s.logger.WarnContext(ctx, "alert: "+title, slog.String("event", event), slog.String("message", message))
	default:
		s.logger.InfoContext(ctx, "alert: "+title, slog.String("event", event), slog.String("message", message))
	}

	var errs []error
	if s.bus != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			err = s.bus.Publish(ctx, ChannelAlerts, payload)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("alert: publish: %w", err))
		}
	}
	if s.audit != nil {
		err := s.audit.Log(ctx, "alert", map[string]any{
			"level":   string(level),
			"event":   event,
			"title":   title,
			"message": message,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("alert: audit: %w", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Alert(ctx, level, event, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
