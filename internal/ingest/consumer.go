// Package ingest reads record events from Kafka and inserts them into the
// bucket index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	apperrors "github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/errors"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/kafka"
)

// RecordEvent is the payload on the record ingest topic.
type RecordEvent struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Inserter is satisfied by *index.Index.
type Inserter interface {
	Insert(rec index.Record) (bool, error)
}

// Hooks are optional callbacks fired per message.
type Hooks struct {
	// Count receives one of indexed, skipped, poison or failed.
	Count func(status string)
	// Indexed runs after a record is newly indexed.
	Indexed func(rec index.Record)
}

// RecordConsumer wraps a Kafka consumer to drive index inserts.
type RecordConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a RecordConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *RecordConsumer {
	return &RecordConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "record-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (rc *RecordConsumer) Start(ctx context.Context) error {
	rc.logger.Info("record consumer starting")
	return rc.consumer.Start(ctx)
}

// HandleMessage returns a Kafka MessageHandler that inserts every record
// event into idx. Undecodable payloads, invalid records and invalid UTF-8 are
// poison; degenerate and already-indexed records are acknowledged.
func HandleMessage(idx Inserter, hooks Hooks) kafka.MessageHandler {
	logger := slog.Default().With("component", "record-consumer")
	count := func(status string) {
		if hooks.Count != nil {
			hooks.Count(status)
		}
	}
	return func(_ context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[RecordEvent](value)
		if err != nil {
			logger.Error("failed to decode record event",
				"error", err,
				"key", string(key),
			)
			count("poison")
			return err
		}
		rec := index.Record{ID: event.ID, Text: event.Text}
		if err := ValidateRecord(rec); err != nil {
			logger.Warn("rejected record event", "error", err, "key", string(key))
			count("poison")
			return fmt.Errorf("record event (key %q): %w", string(key), err)
		}

		ok, err := idx.Insert(rec)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidInput) {
				count("poison")
			} else {
				count("failed")
			}
			return fmt.Errorf("indexing record %s: %w", event.ID, err)
		}
		if !ok {
			logger.Debug("record not indexed", "id", event.ID)
			count("skipped")
			return nil
		}

		count("indexed")
		if hooks.Indexed != nil {
			hooks.Indexed(rec)
		}
		logger.Debug("record indexed", "id", event.ID)
		return nil
	}
}
