// Package escalation notifies humans about failures that need attention.
// The vault escalation item is the durable record; notifiers are a
// best-effort nudge on top of it.
package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Level describes the urgency of an escalation.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Escalation represents a notification to a human.
type Escalation struct {
	Level   Level
	Title   string
	Message string
	Source  string // which agent or subsystem triggered it
	ItemID  string // escalation item created in the vault
	Class   string // failure class
	Error   error  // underlying error, if any
}

// Notifier sends escalation notifications.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// slackPoster is the subset of *slack.Client used here.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts escalations to a Slack channel.
type SlackNotifier struct {
	client  slackPoster
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier that posts to channel using a bot token.
func NewSlackNotifier(token, channel string, logger zerolog.Logger) *SlackNotifier {
	return newSlackNotifier(slack.New(token), channel, logger)
}

func newSlackNotifier(client slackPoster, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "escalation").Logger(),
	}
}

// Notify posts the escalation as a Slack message.
func (n *SlackNotifier) Notify(ctx context.Context, e Escalation) error {
	text := Format(e)
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("escalation send: %w", err)
	}

	n.logger.Info().
		Str("level", string(e.Level)).
		Str("title", e.Title).
		Str("channel", n.channel).
		Str("ts", ts).
		Msg("escalation sent")
	return nil
}

// Format renders an escalation as Slack mrkdwn.
func Format(e Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", levelEmoji(e.Level), e.Level, e.Title, e.Message)
	if e.ItemID != "" {
		fmt.Fprintf(&b, "\n\nItem: `Needs_Action/%s.md`", e.ItemID)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, "\n_Source: %s_", e.Source)
	}
	if e.Error != nil {
		fmt.Fprintf(&b, "\n```\n%v\n```", e.Error)
	}
	return b.String()
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) Notify(ctx context.Context, e Escalation) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogNotifier logs escalations (useful for testing/dev).
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "escalation").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, e Escalation) error {
	l.logger.Warn().
		Str("level", string(e.Level)).
		Str("title", e.Title).
		Str("message", e.Message).
		Str("source", e.Source).
		Str("item", e.ItemID).
		Str("class", e.Class).
		AnErr("error", e.Error).
		Msg("escalation")
	return nil
}

func levelEmoji(l Level) string {
	switch l {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
