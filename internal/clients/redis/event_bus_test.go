package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	bus := NewEventBusWithClient(log, rdb, "job_events_test")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan JobEvent, 1)
	if err := bus.StartForwarder(ctx, func(m JobEvent) {
		select {
		case got <- m:
		default:
		}
	}); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}

	want := JobEvent{
		Channel: "tenant-1",
		Event:   EventJobProgress,
		Data:    map[string]any{"stage": "transcribe", "progress": float64(12)},
	}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-got:
		if m.Channel != want.Channel || m.Event != want.Event {
			t.Fatalf("got %+v want %+v", m, want)
		}
		if m.Data["stage"] != "transcribe" || m.Data["progress"] != float64(12) {
			t.Fatalf("data mismatch: %+v", m.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no event received")
	}
}
