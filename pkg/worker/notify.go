package worker

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DefaultNotificationTitle heads every study reminder.
const DefaultNotificationTitle = "AWS DVA-C02 Exam Trainer"

// DefaultNotificationBody is shown when a push carries no payload.
const DefaultNotificationBody = "Time to practice for your AWS exam!"

// Notification actions.
const (
	ActionPractice = "practice"
	ActionClose    = "close"
)

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a study reminder shown to the user.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

// Notify logs n.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log.Info().
		Str("component", "notifier").
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("Notification")
	return nil
}

func reminder(payload []byte) Notification {
	body := string(payload)
	if body == "" {
		body = DefaultNotificationBody
	}
	return Notification{
		Title: DefaultNotificationTitle,
		Body:  body,
		Actions: []NotificationAction{
			{Action: ActionPractice, Title: "Start Practice"},
			{Action: ActionClose, Title: "Dismiss"},
		},
	}
}
