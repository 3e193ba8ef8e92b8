package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingChannel struct {
	exchange   string
	routingKey string
	message    amqp.Publishing
	publishErr error
	closed     bool
}

func (channel *recordingChannel) Publish(exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error {
	channel.exchange = exchange
	channel.routingKey = key
	channel.message = msg
	return channel.publishErr
}

func (channel *recordingChannel) Close() error {
	channel.closed = true
	return nil
}

func TestAMQPNotifierPublishesJSON(test *testing.T) {
	test.Parallel()
	channel := &recordingChannel{}
	notifier := newAMQPNotifier(channel, "account_mail")
	notification := Notification{Kind: KindCreditsAdded, AccountID: "user-1", SessionID: "sess_1", Credits: 10, Balance: 11}
	if err := notifier.Send(context.Background(), notification); err != nil {
		test.Fatalf("send: %v", err)
	}
	if channel.exchange != "account_mail" || channel.routingKey != "credits_added.user-1" {
		test.Fatalf("unexpected routing %s/%s", channel.exchange, channel.routingKey)
	}
	if channel.message.ContentType != "application/json" {
		test.Fatalf("unexpected content type %q", channel.message.ContentType)
	}
	var decoded Notification
	if err := json.Unmarshal(channel.message.Body, &decoded); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if decoded != notification {
		test.Fatalf("expected %+v, got %+v", notification, decoded)
	}
	if err := notifier.Close(); err != nil || !channel.closed {
		test.Fatalf("expected channel closed, err=%v", err)
	}
}

func TestAMQPNotifierHonoursCancelledContext(test *testing.T) {
	test.Parallel()
	channel := &recordingChannel{}
	notifier := newAMQPNotifier(channel, "account_mail")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := notifier.Send(ctx, Notification{Kind: KindCreditsAdded}); !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
	if channel.routingKey != "" {
		test.Fatalf("expected nothing published")
	}
}

func TestDialAMQPValidatesConfig(test *testing.T) {
	test.Parallel()
	if _, err := DialAMQP(AMQPConfig{Exchange: "x"}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := DialAMQP(AMQPConfig{URL: "amqp://localhost"}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestFanoutJoinsErrors(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	failing := newAMQPNotifier(&recordingChannel{publishErr: errors.New("broker down")}, "x")
	fanout := Fanout{NewLogNotifier(zap.New(core)), nil, failing}
	err := fanout.Send(context.Background(), Notification{Kind: KindCreditsAdded, AccountID: "user-1"})
	if err == nil || err.Error() != "broker down" {
		test.Fatalf("expected broker error, got %v", err)
	}
	if logs.FilterMessage("notification").Len() != 1 {
		test.Fatalf("expected log notifier to run")
	}
}
