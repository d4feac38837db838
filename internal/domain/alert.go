package domain

import "context"

// AlertLevel grades operator alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alerter surfaces conditions that need an operator. Critical alerts must be
// delivered regardless of event filtering.
type Alerter interface {
	Alert(ctx context.Context, level AlertLevel, event, title, message string) error
}
