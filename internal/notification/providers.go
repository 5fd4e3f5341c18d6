package notification

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"trade-lifecycle-engine/config"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier logging at info level, errors at warn
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

func (l *LogNotifier) Send(_ context.Context, n *Notification) error {
	ev := l.logger.Info()
	if n.Type == NotifyError || n.Type == NotifyWarning {
		ev = l.logger.Warn()
	}
	ev.Str("type", string(n.Type)).
		Str("trade_id", n.TradeID).
		Str("symbol", n.Symbol).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// =============================================================================
// FIREBASE CLOUD MESSAGING NOTIFIER
// =============================================================================

// fcmSender is the subset of *messaging.Client used for delivery
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes notifications to an FCM topic the operator's devices follow
type FCMNotifier struct {
	client fcmSender
	topic  string
	logger zerolog.Logger
}

// NewFCMNotifier initializes Firebase from a service account file
func NewFCMNotifier(ctx context.Context, cfg config.FCMConfig, logger zerolog.Logger) (*FCMNotifier, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("fcm credentials file is required")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	logger.Info().Str("topic", cfg.Topic).Msg("Firebase Cloud Messaging initialized")
	return newFCMNotifier(client, cfg.Topic, logger), nil
}

func newFCMNotifier(client fcmSender, topic string, logger zerolog.Logger) *FCMNotifier {
	return &FCMNotifier{
		client: client,
		topic:  topic,
		logger: logger.With().Str("notifier", "fcm").Logger(),
	}
}

func (f *FCMNotifier) Name() string    { return "fcm" }
func (f *FCMNotifier) IsEnabled() bool { return f.client != nil }

// Send pushes one notification; errors and closes go out with high priority
func (f *FCMNotifier) Send(ctx context.Context, n *Notification) error {
	priority := "normal"
	androidPriority := messaging.PriorityDefault
	if n.Type == NotifyError || n.Type == NotifyTradeClose {
		priority = "high"
		androidPriority = messaging.PriorityHigh
	}

	data := make(map[string]string, len(n.Extra)+2)
	for k, v := range n.Extra {
		data[k] = v
	}
	data["type"] = string(n.Type)
	data["symbol"] = n.Symbol

	message := &messaging.Message{
		Topic: f.topic,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Message,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				ChannelID: "trade_events",
				Priority:  androidPriority,
			},
		},
	}

	response, err := f.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	f.logger.Debug().Str("message_id", response).Str("trade_id", n.TradeID).Msg("Notification pushed")
	return nil
}
