package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Feed publishes and subscribes to row changes. Reconnection after a dropped
// connection is handled by the go-redis client.
type Feed struct {
	client *redis.Client
}

func NewFeed(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Feed{client: client}, nil
}

func NewFeedWithClient(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func (f *Feed) Publish(ctx context.Context, filter Filter, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, filter.Topic(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", filter.Topic(), err)
	}
	return nil
}

// Subscribe opens a subscription and returns once the server has confirmed
// it. Changes are handed to handler one at a time in publish order.
func (f *Feed) Subscribe(ctx context.Context, filter Filter, handler func(Change)) (*Subscription, error) {
	topic := filter.Topic()
	ps := f.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &Subscription{
		topic: topic,
		ps:    ps,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go sub.deliver(ps.Channel(), handler)
	return sub, nil
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *Feed) Close() error {
	return f.client.Close()
}

// Subscription is a live topic subscription.
type Subscription struct {
	topic string
	ps    *redis.PubSub
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	err   error
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) deliver(messages <-chan *redis.Message, handler func(Change)) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Printf("realtime: drop undecodable change on %s: %v", s.topic, err)
				continue
			}
			select {
			case <-s.stop:
				return
			default:
			}
			handler(change)
		}
	}
}

// Close ends the subscription and waits for an in-flight handler call to
// return. Safe to call more than once. Must not be called from the handler.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
