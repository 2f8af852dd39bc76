package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements Broker over Redis Pub/Sub so every API replica sees
// events raised by any other.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedis(rdb *redis.Client, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, log: log, subs: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) channel(planID string) string { return "equiroute:plan:" + planID }

func (b *Redis) Subscribe(planID string) chan Event {
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(planID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", zap.String("plan_id", planID), zap.Error(err))
	}
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("dropping undecodable event", zap.String("plan_id", planID), zap.Error(err))
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; the reader goroutine then
// closes ch.
func (b *Redis) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(planID string, evt Event) {
	if evt.PlanID == "" {
		evt.PlanID = planID
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error("encode event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel(planID), data).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("plan_id", planID), zap.Error(err))
	}
}
