package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyspaceHandler is invoked for each keyspace notification received on a
// subscribed channel or pattern. channel is the Redis channel the event
// arrived on; key is the notified key (or event name, depending on
// notification flavor).
type KeyspaceHandler func(channel, key string)

// subscription owns one underlying redis.PubSub and dispatches to its
// handler on a dedicated goroutine.
type subscription struct {
	pubsub  *redis.PubSub
	handler KeyspaceHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) stop() {
	s.cancel()
	_ = s.pubsub.Close()
	<-s.done
}

// SubscribeKeyspace subscribes to the given pattern (e.g.
// "__keyevent@0__:expired" or a queue's own wake channel) and invokes
// handler for every message, reconnecting automatically if the underlying
// connection drops — go-redis's PubSub already re-issues the subscribe
// command transparently on reconnect.
func (c *Client) SubscribeKeyspace(ctx context.Context, pattern string, handler KeyspaceHandler) (func(), error) {
	sctx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.PSubscribe(sctx, pattern)

	if _, err := pubsub.Receive(sctx); err != nil {
		cancel()
		return nil, err
	}

	sub := &subscription{pubsub: pubsub, handler: handler, cancel: cancel, done: make(chan struct{})}

	c.subMu.Lock()
	c.subs = append(c.subs, sub)
	c.subMu.Unlock()

	go sub.run(c.log)

	return sub.stop, nil
}

func (s *subscription) run(log *logrus.Entry) {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for msg := range ch {
		s.handler(msg.Channel, msg.Payload)
	}
	log.WithField("function", "subscription.run").Debug("keyspace subscription channel closed")
}

// Publish publishes a payload to channel, used for the queue "new-message"
// wake notification and the presence "displacement" event.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	_, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.Publish(ctx, channel, payload).Result()
	})
	return err
}
