// Package realtime listens on a session's push channel for annotation
// changes made by other sessions and hands them to the session's mediator.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"annosync/internal/annotation"
	"annosync/internal/callback"
	"annosync/internal/mediator"
	"annosync/internal/metrics"
	"annosync/internal/xfdf"
)

// Event is the JSON published on a push channel.
type Event struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	XFDF   string `json:"xfdf,omitempty"`
}

// Decode turns a channel payload into a mediator event. The fragment may
// arrive bare or wrapped in a full document.
func Decode(payload []byte) (mediator.RemoteEvent, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return mediator.RemoteEvent{}, fmt.Errorf("decode push event: %w", err)
	}
	action := mediator.RemoteAction(strings.ToLower(strings.TrimSpace(event.Action)))
	out := mediator.RemoteEvent{Action: action, ID: strings.TrimSpace(event.ID)}

	switch action {
	case mediator.RemoteDelete:
		if out.ID == "" {
			return mediator.RemoteEvent{}, errors.New("push delete without id")
		}
		return out, nil
	case mediator.RemoteCreate, mediator.RemoteUpdate:
	default:
		return mediator.RemoteEvent{}, fmt.Errorf("unknown push action %q", event.Action)
	}

	fragment := xfdf.Fragment(strings.TrimSpace(event.XFDF))
	if fragment == "" {
		return mediator.RemoteEvent{}, fmt.Errorf("push %s without xfdf", action)
	}
	if strings.HasPrefix(string(fragment), "<?xml") || strings.HasPrefix(string(fragment), "<xfdf") {
		inner, err := xfdf.StripEnvelope(xfdf.Document(fragment))
		if err != nil {
			return mediator.RemoteEvent{}, err
		}
		fragment = inner
	}
	record, err := xfdf.DecodeFragment(fragment)
	if err != nil {
		return mediator.RemoteEvent{}, err
	}
	out.Record = record
	return out, nil
}

// NewClient connects to the push host named by session metadata. The token
// is the channel password.
func NewClient(push *annotation.Push) (*redis.Client, error) {
	if push == nil || push.Host == "" {
		return nil, errors.New("session has no push channel")
	}
	if strings.Contains(push.Host, "://") {
		opts, err := redis.ParseURL(push.Host)
		if err != nil {
			return nil, fmt.Errorf("parse push host: %w", err)
		}
		if push.Token != "" {
			opts.Password = push.Token
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: push.Host, Password: push.Token}), nil
}

type Subscriber struct {
	client   *redis.Client
	executor callback.Executor
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Subscriber)

func WithExecutor(executor callback.Executor) Option {
	return func(s *Subscriber) {
		if executor != nil {
			s.executor = executor
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

func NewSubscriber(client *redis.Client, opts ...Option) *Subscriber {
	s := &Subscriber{
		client:   client,
		executor: callback.Inline{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is a confirmed channel subscription.
type Subscription struct {
	s       *Subscriber
	channel string
	pubsub  *redis.PubSub
}

// Subscribe returns once the server has confirmed the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if channel == "" {
		return nil, errors.New("empty push channel")
	}
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s.logger.Info("push channel subscribed", zap.String("channel", channel))
	return &Subscription{s: s, channel: channel, pubsub: pubsub}, nil
}

// Run delivers events to apply on the subscriber's executor until ctx is
// done or the subscription is closed. Undecodable payloads are logged and
// skipped.
func (sub *Subscription) Run(ctx context.Context, apply func(mediator.RemoteEvent) error) error {
	defer sub.pubsub.Close()
	messages := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			sub.handle(msg.Payload, apply)
		}
	}
}

func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}

func (sub *Subscription) handle(payload string, apply func(mediator.RemoteEvent) error) {
	s := sub.s
	event, err := Decode([]byte(payload))
	if err != nil {
		s.metrics.RealtimeEvent("invalid", err)
		s.logger.Warn("push event dropped", zap.String("channel", sub.channel), zap.Error(err))
		return
	}
	posted := s.executor.Post(func() {
		err := apply(event)
		s.metrics.RealtimeEvent(string(event.Action), err)
		if err != nil {
			s.logger.Warn("push event not applied", zap.String("annotation", event.ID), zap.Error(err))
		}
	})
	if !posted {
		s.logger.Warn("push event dropped, executor closed", zap.String("annotation", event.ID))
	}
}
