// Package alerting routes pipeline incidents to notification channels.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "vaultd/internal/errors"
	"vaultd/pkg/logger"
)

// Channel identifies a notification channel.
type Channel string

const (
	ChannelLog   Channel = "log"
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// Event describes one incident worth alerting on.
type Event struct {
	Code          xerrors.Code
	Message       string
	Severity      xerrors.Severity
	Channel       Channel
	InstructionID string
	Kind          string
	Attempts      int
	MaxRetries    int
	Metadata      map[string]string
	OccurredAt    time.Time
}

// Notifier delivers events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events to registered notifiers.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers each event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a dispatcher over the given notifiers.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify implements Dispatcher.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier writes alerts to the application log. It is the fallback
// channel when no external integration is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel returns the log channel.
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify writes the event to the log.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.L()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	log.Warn("alert raised",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("instruction_id", event.InstructionID),
		slog.String("kind", event.Kind),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
		slog.String("message", event.Message),
	)
	return nil
}

// EmailSender sends a rendered alert email.
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier delivers alerts over email.
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel returns the email channel.
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify sends the alert email.
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier not configured, skipping", slog.String("instruction_id", event.InstructionID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("occurred at: %s\ninstruction: %s\nkind: %s\nattempts: %d/%d\ncode: %s\nmessage: %s",
		event.OccurredAt.Format(time.RFC3339), event.InstructionID, event.Kind, event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\ndetails:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SlackSender posts a message to a Slack channel.
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier delivers alerts to Slack.
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel returns the Slack channel.
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify posts the alert message.
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("slack notifier not configured, skipping", slog.String("instruction_id", event.InstructionID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (attempt %d/%d)", event.Severity, event.Code, event.Message, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
