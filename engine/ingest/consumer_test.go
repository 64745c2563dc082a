package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/SatchelAI/satchel-mvp/engine/embed"
	"github.com/SatchelAI/satchel-mvp/engine/loader"
)

func startTestNATS(t *testing.T) *nats.Conn {
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

func TestConsumer_IngestsPublishedMessage(t *testing.T) {
	nc := startTestNATS(t)
	e := embed.NewHash(64)
	idx := newTestIndex(t, e)
	in := New(Deps{Embedder: e, Store: idx, Loaders: loader.NewRegistry()})

	sub, err := StartConsumer(context.Background(), nc, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	err = Publish(context.Background(), nc, Message{
		Transcript: &loader.TranscriptRecord{
			Text:     "to change the cabin filter open the glovebox and release the stops",
			SourceID: "youtube:filter-video",
			Kind:     "youtube",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for idx.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("published message was not ingested")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestConsumer_FailedMessageReachesDLQ(t *testing.T) {
	nc := startTestNATS(t)
	e := embed.NewHash(64)
	idx := newTestIndex(t, e)
	in := New(Deps{Embedder: e, Store: idx, Loaders: loader.NewRegistry()})

	dlqCh := make(chan *nats.Msg, 1)
	dlqSub, err := nc.ChanSubscribe(DLQSubject, dlqCh)
	if err != nil {
		t.Fatal(err)
	}
	defer dlqSub.Unsubscribe()

	sub, err := StartConsumer(context.Background(), nc, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	// Unsupported source type fails every attempt.
	err = Publish(context.Background(), nc, Message{
		Request: loader.Request{Type: "carrier-pigeon", Location: "coop"},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-dlqCh:
		var dlq dlqMessage
		if err := json.Unmarshal(msg.Data, &dlq); err != nil {
			t.Fatal(err)
		}
		if dlq.Retries != MaxRetries {
			t.Errorf("retries = %d, want %d", dlq.Retries, MaxRetries)
		}
		if dlq.Error == "" || dlq.Message.Request.Type != "carrier-pigeon" {
			t.Errorf("dlq = %+v", dlq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the DLQ")
	}

	if idx.Len() != 0 {
		t.Errorf("failed message left %d chunks", idx.Len())
	}
}

func TestConsumer_ShutdownCancelsInFlightWork(t *testing.T) {
	nc := startTestNATS(t)
	e := embed.NewHash(64)
	idx := newTestIndex(t, e)
	in := New(Deps{Embedder: e, Store: idx, Loaders: loader.NewRegistry()})

	dlqCh := make(chan *nats.Msg, 1)
	dlqSub, err := nc.ChanSubscribe(DLQSubject, dlqCh)
	if err != nil {
		t.Fatal(err)
	}
	defer dlqSub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the daemon is already shutting down

	sub, err := StartConsumer(ctx, nc, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	err = Publish(context.Background(), nc, Message{
		Transcript: &loader.TranscriptRecord{
			Text:     "perfectly valid transcript text that would normally be indexed",
			SourceID: "youtube:late-arrival",
			Kind:     "youtube",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-dlqCh:
		var dlq dlqMessage
		if err := json.Unmarshal(msg.Data, &dlq); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(dlq.Error, context.Canceled.Error()) {
			t.Errorf("dlq error = %q, want cancellation", dlq.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled message never reached the DLQ")
	}
	if idx.Len() != 0 {
		t.Errorf("cancelled ingestion left %d chunks in the index", idx.Len())
	}
}
