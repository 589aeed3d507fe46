// Package outbox drains the audit outbox table into Kafka. Running it next
// to the queue workers gives at-least-once delivery of audit events without
// putting Kafka on the request path.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	auditpg "healthex/internal/audit/store/postgres"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

// Worker polls unpublished outbox rows and produces them to the audit topic.
type Worker struct {
	store    *auditpg.Store
	client   *kgo.Client
	topic    string
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// Option configures the Worker.
type Option func(*Worker)

// WithPollInterval overrides how often the outbox is polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithBatchSize overrides how many rows are claimed per poll.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batch = n }
}

// New creates an outbox worker producing to topic.
func New(store *auditpg.Store, client *kgo.Client, topic string, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		client:   client,
		topic:    topic,
		logger:   logger,
		interval: defaultPollInterval,
		batch:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnsureTopic creates the audit topic when it does not exist yet. Safe to
// call on every startup.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, ctr := range resp {
		if ctr.Err != nil && !errors.Is(ctr.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", ctr.Topic, ctr.Err)
		}
	}
	return nil
}

// Run polls the outbox until ctx is cancelled. Publish failures are logged
// and retried on the next poll; rows are only marked published after Kafka
// acknowledges them.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				w.logger.Error("audit outbox drain failed", "error", err)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	rows, err := w.store.NextUnpublished(ctx, w.batch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	published := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		record := &kgo.Record{
			Topic: w.topic,
			Key:   row.ID[:],
			Value: row.Payload,
		}
		if err := w.client.ProduceSync(ctx, record).FirstErr(); err != nil {
			// Stop the batch here; ordering within the outbox is preserved
			// by re-claiming from the oldest unpublished row next poll.
			w.logger.Warn("audit publish failed", "event_id", row.ID, "error", err)
			break
		}
		published = append(published, row.ID)
	}

	return w.store.MarkPublished(ctx, published)
}
