// Package notify delivers account notifications such as "credits added".
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// KindCreditsAdded is sent once per newly applied payment session.
const KindCreditsAdded = "credits_added"

// ErrInvalidConfig reports unusable notifier settings.
var ErrInvalidConfig = errors.New("invalid notifier config")

// Notification is the payload handed to a Notifier.
type Notification struct {
	Kind      string `json:"kind"`
	AccountID string `json:"accountId"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Credits   int64  `json:"credits"`
	Balance   int64  `json:"balance"`
}

// Notifier sends notifications. Callers treat failures as best-effort.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) Send(ctx context.Context, notification Notification) error {
	notifier.logger.Info("notification",
		zap.String("kind", notification.Kind),
		zap.String("account_id", notification.AccountID),
		zap.String("session_id", notification.SessionID),
		zap.Int64("credits", notification.Credits),
		zap.Int64("balance", notification.Balance),
	)
	return nil
}

// channelPublisher is the subset of *amqp.Channel used for publishing.
type channelPublisher interface {
	Publish(exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig locates the broker and exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPNotifier publishes notifications as JSON to a topic exchange.
// Routing keys are "<kind>.<account id>".
type AMQPNotifier struct {
	connection *amqp.Connection
	channel    channelPublisher
	exchange   string
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg AMQPConfig) (*AMQPNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: amqp url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, fmt.Errorf("%w: amqp exchange is required", ErrInvalidConfig)
	}
	connection, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPNotifier{connection: connection, channel: channel, exchange: cfg.Exchange}, nil
}

func newAMQPNotifier(channel channelPublisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{channel: channel, exchange: exchange}
}

func (notifier *AMQPNotifier) Send(ctx context.Context, notification Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	routingKey := fmt.Sprintf("%s.%s", notification.Kind, notification.AccountID)
	return notifier.channel.Publish(
		notifier.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close releases the channel and connection.
func (notifier *AMQPNotifier) Close() error {
	var closeErr error
	if notifier.channel != nil {
		closeErr = notifier.channel.Close()
	}
	if notifier.connection != nil {
		if err := notifier.connection.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// Fanout sends to every notifier and joins their errors.
type Fanout []Notifier

func (fanout Fanout) Send(ctx context.Context, notification Notification) error {
	var errs []error
	for _, notifier := range fanout {
		if notifier == nil {
			continue
		}
		if err := notifier.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
