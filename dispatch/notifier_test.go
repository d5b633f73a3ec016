package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalNotifierCoalesces(t *testing.T) {
	n := NewLocalNotifier()
	for i := 0; i < 5; i++ {
		if err := n.Notify(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-n.C():
	default:
		t.Fatal("expected a wake-up")
	}
	select {
	case <-n.C():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestRedisNotifierAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer subClient.Close()
	defer pubClient.Close()

	listener, err := NewRedisNotifier(ctx, subClient, "", nil)
	if err != nil {
		t.Fatalf("NewRedisNotifier: %v", err)
	}
	defer listener.Close()

	publisher, err := NewRedisNotifier(ctx, pubClient, "", nil)
	if err != nil {
		t.Fatalf("NewRedisNotifier: %v", err)
	}
	defer publisher.Close()

	if err := publisher.Notify(ctx); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-listener.C():
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not woken")
	}
}

func TestRedisNotifierRequiresClient(t *testing.T) {
	if _, err := NewRedisNotifier(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
