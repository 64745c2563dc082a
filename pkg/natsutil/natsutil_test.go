package natsutil

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type note struct {
	Topic string `json:"topic"`
	Body  string `json:"body"`
}

func startServer(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	nc := startServer(t)
	got := make(chan note, 1)

	sub, err := Subscribe(context.Background(), nc, "test.notes", func(_ context.Context, n note) {
		got <- n
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	want := note{Topic: "filters", Body: "replace every 20k km"}
	if err := Publish(context.Background(), nc, "test.notes", want); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-got:
		if n != want {
			t.Errorf("received %+v, want %+v", n, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSubscribe_DropsMalformed(t *testing.T) {
	nc := startServer(t)
	got := make(chan note, 2)

	sub, err := Subscribe(context.Background(), nc, "test.mixed", func(_ context.Context, n note) {
		got <- n
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("test.mixed", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	want := note{Topic: "ok"}
	if err := Publish(context.Background(), nc, "test.mixed", want); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-got:
		if n != want {
			t.Errorf("handler saw %+v, want only the valid message", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid message never delivered")
	}
}

func TestPublish_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := startServer(t)
	got := make(chan trace.SpanContext, 1)

	sub, err := Subscribe(context.Background(), nc, "test.traced", func(ctx context.Context, _ note) {
		got <- trace.SpanContextFromContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if err := Publish(ctx, nc, "test.traced", note{Topic: "traced"}); err != nil {
		t.Fatal(err)
	}

	select {
	case received := <-got:
		if received.TraceID() != sc.TraceID() {
			t.Errorf("trace ID %s did not survive the hop, want %s", received.TraceID(), sc.TraceID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSubscribe_HandlerSeesBaseCancellation(t *testing.T) {
	nc := startServer(t)
	base, cancel := context.WithCancel(context.Background())
	cancel()

	got := make(chan error, 1)
	sub, err := Subscribe(base, nc, "test.cancelled", func(ctx context.Context, _ note) {
		got <- ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "test.cancelled", note{}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if err != context.Canceled {
			t.Errorf("handler ctx.Err() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}
}
