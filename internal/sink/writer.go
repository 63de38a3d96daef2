// Package sink publishes scored rows to Kafka.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"rainfall-scorer/internal/metrics"
	"rainfall-scorer/internal/storage"

	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces one message per scored row.
type Writer struct {
	writer    messageWriter
	published metrics.MetricsCounter
	failed    metrics.MetricsCounter
}

// NewWriter creates a Kafka producer for topic. Counters may be nil.
func NewWriter(brokers []string, topic string, published, failed metrics.MetricsCounter) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newWriter(w, published, failed)
}

func newWriter(w messageWriter, published, failed metrics.MetricsCounter) *Writer {
	return &Writer{writer: w, published: published, failed: failed}
}

// Publish writes the scores of a run in a single WriteMessages call. Keys hash by run,
// so the rows of one run stay ordered within a partition.
func (w *Writer) Publish(ctx context.Context, runID string, scores []storage.Score) error {
	if len(scores) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(scores))
	for i := range scores {
		scores[i].RunID = runID
		msg, err := serializeToMessage(scores[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		if w.failed != nil {
			w.failed.Inc()
		}
		log.Error().Err(err).Str("run_id", runID).Int("messages", len(msgs)).Msg("Failed to publish scores")
		return fmt.Errorf("publish scores: %w", err)
	}
	if w.published != nil {
		for range msgs {
			w.published.Inc()
		}
	}
	log.Debug().Str("run_id", runID).Int("messages", len(msgs)).Msg("Scores published")
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a scored row into a Kafka message.
func serializeToMessage(score storage.Score) (kafkago.Message, error) {
	data, err := json.Marshal(score)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize score: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(score.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "state", Value: []byte(score.State)},
			{Key: "run_id", Value: []byte(score.RunID)},
			{Key: "index", Value: []byte(strconv.Itoa(score.Index))},
		},
	}, nil
}
