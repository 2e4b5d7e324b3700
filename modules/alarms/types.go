package alarms

import (
	"fmt"
	"time"
)

// Notification channel types. Senders for these are registered on the
// engine; a channel without a sender is logged and skipped.
const (
	ChannelEmail     = "EMAIL"
	ChannelSlack     = "SLACK"
	ChannelWebhook   = "WEBHOOK"
	ChannelPagerDuty = "PAGERDUTY"
	ChannelOpsGenie  = "OPSGENIE"
)

type NotificationChannel struct {
	Type        string `json:"type" yaml:"type"`
	Destination string `json:"destination" yaml:"destination"`
}

// Alarm is a periodically evaluated search with a count condition.
type Alarm struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Query     string `json:"query"`
	Condition string `json:"condition"` // "count <op>", compared against Threshold
	Threshold int    `json:"threshold"`
	Enabled   bool   `json:"enabled"`

	// Window is how far back each evaluation searches.
	Window time.Duration `json:"window"`

	// GroupingKey batches triggers of multiple alarms into one notification.
	// Empty means deliver immediately.
	GroupingKey string `json:"groupingKey,omitempty"`

	// ThrottleWindow caps deliveries to MaxNotificationsPerWindow per rolling
	// window. Zero disables throttling.
	ThrottleWindow            time.Duration `json:"throttleWindow,omitempty"`
	MaxNotificationsPerWindow int           `json:"maxNotificationsPerWindow,omitempty"`

	Channels []NotificationChannel `json:"channels"`
}

// ValidationError reports a rejected alarm field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alarm: %s %s", e.Field, e.Reason)
}

func (a *Alarm) validate() error {
	if a.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if a.Query == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if a.Condition == "" {
		return &ValidationError{Field: "condition", Reason: "must not be empty"}
	}
	if a.Threshold < 0 {
		return &ValidationError{Field: "threshold", Reason: "must not be negative"}
	}
	if a.Window <= 0 {
		return &ValidationError{Field: "window", Reason: "must be greater than 0"}
	}
	if a.ThrottleWindow > 0 && a.MaxNotificationsPerWindow <= 0 {
		return &ValidationError{Field: "maxNotificationsPerWindow", Reason: "must be greater than 0 when throttling"}
	}
	for _, ch := range a.Channels {
		switch ch.Type {
		case ChannelEmail, ChannelSlack, ChannelWebhook, ChannelPagerDuty, ChannelOpsGenie:
		default:
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown type %q", ch.Type)}
		}
		if ch.Destination == "" {
			return &ValidationError{Field: "channels", Reason: "destination must not be empty"}
		}
	}
	return nil
}
