package engine_test

import (
	"context"
	"testing"
	"time"

	"orientlink/pkg/engine"
	"orientlink/pkg/protocol"
)

func TestHubDoesNotBlockOnSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub(engine.WithBroadcastBuffer(1), engine.WithSubscriberBuffer(1))
	go hub.Run(ctx)

	fast := hub.SubscribeWithBuffer(128)
	slow := hub.SubscribeWithBuffer(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(ctx, protocol.Reading{Raw: []byte{byte(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}

	received := 0
	timeout := time.After(1 * time.Second)
	for received < 50 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber timeout after %d readings", received)
		}
	}

	count := 0
	for {
		select {
		case <-slow:
			count++
		default:
			if count > 1 {
				t.Fatalf("slow subscriber received %d readings, expected at most 1", count)
			}
			if hub.Dropped() == 0 {
				t.Fatalf("expected dropped readings to be counted")
			}
			return
		}
	}
}

func TestHubPumpForwardsUntilInputCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	sub := hub.Subscribe()

	in := make(chan protocol.Reading, 2)
	in <- protocol.Reading{Raw: []byte("a")}
	in <- protocol.Reading{Raw: []byte("b")}
	close(in)

	pumped := make(chan struct{})
	go func() {
		hub.Pump(ctx, in)
		close(pumped)
	}()

	for _, want := range []string{"a", "b"} {
		select {
		case reading := <-sub:
			if reading.Text() != want {
				t.Fatalf("unexpected reading: got %q want %q", reading.Text(), want)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	select {
	case <-pumped:
	case <-time.After(1 * time.Second):
		t.Fatalf("pump did not return after input closed")
	}
	if hub.Published() != 2 {
		t.Fatalf("unexpected published count: %d", hub.Published())
	}
}

func TestHubClosesSubscriptionsOnStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	sub := hub.Subscribe()
	cancel()
	<-stopped

	if _, ok := <-sub; ok {
		t.Fatalf("expected subscription to be closed")
	}
	if _, ok := <-hub.Subscribe(); ok {
		t.Fatalf("subscribe after stop should return a closed channel")
	}
	if hub.Publish(context.Background(), protocol.Reading{}) {
		t.Fatalf("publish after stop should report false")
	}
}

func TestHubDeliversQueuedReadingsOnStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub(engine.WithBroadcastBuffer(8))
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	sub := hub.SubscribeWithBuffer(8)
	for i := 0; i < 3; i++ {
		hub.Publish(ctx, protocol.Reading{Raw: []byte{byte(i)}})
	}
	cancel()
	<-stopped

	count := 0
	for range sub {
		count++
	}
	if count != 3 {
		t.Fatalf("expected 3 readings before close, got %d", count)
	}
}

func TestHubPumpPublishesQueuedInputAfterCancel(t *testing.T) {
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	hub := engine.NewHub()
	go hub.Run(hubCtx)
	sub := hub.SubscribeWithBuffer(16)

	in := make(chan protocol.Reading, 8)
	for i := 0; i < 5; i++ {
		in <- protocol.Reading{Raw: []byte{byte(i)}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pumped := make(chan struct{})
	go func() {
		hub.Pump(ctx, in)
		close(pumped)
	}()

	select {
	case <-pumped:
	case <-time.After(1 * time.Second):
		t.Fatalf("pump did not return after cancel")
	}

	for i := 0; i < 5; i++ {
		select {
		case reading := <-sub:
			if reading.Raw[0] != byte(i) {
				t.Fatalf("unexpected reading order: got %d want %d", reading.Raw[0], i)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("queued reading %d was lost", i)
		}
	}
	if hub.Published() != 5 {
		t.Fatalf("unexpected published count: %d", hub.Published())
	}
}
