package ingest

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/SatchelAI/satchel-mvp/pkg/natsutil"
)

const (
	// Subject carries ingest messages.
	Subject = "engine.ingest"
	// DLQSubject receives messages that exhausted their retries.
	DLQSubject = "engine.ingest.dlq"
	// MaxRetries before a message moves to the DLQ.
	MaxRetries = 3
)

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// StartConsumer subscribes the ingestor to the ingest subject. Handler
// contexts descend from ctx, so daemon shutdown cancels in-flight ingestion
// (which rolls itself back). A failed message is re-published with its
// attempt count bumped until MaxRetries, then lands on the DLQ with the
// final error attached.
func StartConsumer(ctx context.Context, nc *nats.Conn, in *Ingestor, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}

	return natsutil.Subscribe(ctx, nc, Subject, func(ctx context.Context, m Message) {
		_, err := in.Consume(ctx, m)
		if err == nil {
			return
		}

		attempt := m.Attempt + 1
		log.Error("ingest: pipeline failed",
			"error", err,
			"location", m.Request.Location,
			"attempt", attempt,
		)

		if attempt >= MaxRetries {
			dlq := dlqMessage{Message: m, Error: err.Error(), Retries: attempt}
			if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
				log.Error("ingest: DLQ publish failed", "error", err)
			}
			return
		}
		m.Attempt = attempt
		if err := natsutil.Publish(ctx, nc, Subject, m); err != nil {
			log.Error("ingest: retry publish failed", "error", err)
		}
	})
}

// Publish enqueues a message on the ingest subject for the daemon to pick
// up, propagating the caller's trace context.
func Publish(ctx context.Context, nc *nats.Conn, m Message) error {
	return natsutil.Publish(ctx, nc, Subject, m)
}

// Consume resolves a message into a document and ingests it. Inline
// transcripts bypass the loader registry.
func (in *Ingestor) Consume(ctx context.Context, m Message) (Receipt, error) {
	if m.Transcript != nil {
		doc, err := in.transcripts.FromRecord(*m.Transcript, m.Request.Extra)
		if err != nil {
			in.failures.Inc()
			return Receipt{}, err
		}
		return in.Ingest(ctx, doc)
	}
	return in.IngestRequest(ctx, m.Request)
}
