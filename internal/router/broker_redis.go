package router

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"syncgate/internal/logger"
)

const redisChannel = "syncgate:events"

// RedisBroker implements EventBroker over Redis Pub/Sub.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt)}, nil
}

func (b *RedisBroker) Publish(m BrokerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, redisChannel, data).Err(); err != nil {
		logger.Warn("redis fanout publish failed", zap.Error(err))
	}
}

// Run consumes mirrored events until ctx is cancelled. The go-redis PubSub
// handles its own reconnection; a dropped subscription resumes silently.
func (b *RedisBroker) Run(ctx context.Context, deliver func(BrokerMessage)) {
	ps := b.rdb.Subscribe(ctx, redisChannel)
	defer func() { _ = ps.Close() }()
	// initial consume to ensure the subscription is live
	if _, err := ps.Receive(ctx); err != nil {
		logger.Error("redis fanout subscribe failed", zap.Error(err))
		return
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m BrokerMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				logger.Warn("redis fanout payload malformed", zap.Error(err))
				continue
			}
			deliver(m)
		}
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
