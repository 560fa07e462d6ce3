//go:build integration

package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/event"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func TestNatsBus_PublishSubscribeRoundTrip(t *testing.T) {
	b, err := New(Config{URL: natsURL()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	var gotBus bus.Bus = b

	received := make(chan event.Envelope, 1)
	err = gotBus.Subscribe("parse-test", event.ArchiveIngested, "", func(ctx context.Context, env event.Envelope) error {
		received <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go gotBus.StartConsuming(ctx)

	env := event.New(event.ArchiveIngested, map[string]any{"archive_id": "a1"})
	if err := gotBus.Publish(ctx, bus.RoutingKeyFor(event.ArchiveIngested), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Data["archive_id"] != "a1" {
			t.Fatalf("expected archive_id=a1, got %v", got.Data["archive_id"])
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}
