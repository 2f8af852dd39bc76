package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("p1")

	b.Publish("p1", Event{Type: PlanOptimized, Data: map[string]any{"x": 1}})
	b.Publish("p2", Event{Type: PlanApproved})

	select {
	case got := <-ch:
		if got.Type != PlanOptimized {
			t.Fatalf("got type %s, want %s", got.Type, PlanOptimized)
		}
		if got.PlanID != "p1" || got.At.IsZero() {
			t.Fatalf("plan id and time not stamped: %+v", got)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("p1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe must not panic on a closed channel
	b.Unsubscribe("p1", ch)
}

func TestMemoryPublishDoesNotBlock(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("p1")
	for i := 0; i < 100; i++ {
		b.Publish("p1", Event{Type: StopUpdated})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected a full buffer, got %d/%d", len(ch), cap(ch))
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := NewRedis(rdb, zap.NewNop())

	ch := b.Subscribe("p1")
	b.Publish("p1", Event{Type: PlanApproved, Data: map[string]any{"by": "alice"}})

	select {
	case got := <-ch:
		if got.Type != PlanApproved || got.PlanID != "p1" {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Data["by"] != "alice" {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe("p1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
