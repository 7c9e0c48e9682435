package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/patient-matching/pkg/common/config"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
)

// handlerAttempts bounds how often a failing handler is retried before its
// message is committed and skipped.
const handlerAttempts = 3

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	retryDelay time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(cfg *config.Config, topic string, groupID string) *Consumer {
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, retryDelay: time.Second}
}

// Consume blocks until ctx is cancelled. A failing handler is retried with
// backoff up to handlerAttempts times. After that the message is committed
// anyway, since the reader's offset has already moved past it and a later
// commit would skip it regardless.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			if !c.wait(ctx, c.retryDelay) {
				return ctx.Err()
			}
			continue
		}

		if !c.process(ctx, message, handler) {
			return ctx.Err()
		}
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

// process runs the handler for one message. It returns false only when ctx
// ends before the message was handled, leaving it uncommitted.
func (c *Consumer) process(ctx context.Context, message kafka.Message, handler EventHandler) bool {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal event")
		return true
	}

	log := logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"offset":     message.Offset,
	})
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return true
		}
		if attempt >= handlerAttempts {
			log.WithError(err).Error("Failed to process event, skipping")
			return true
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Failed to process event, retrying")
		if !c.wait(ctx, delay) {
			return false
		}
		delay *= 2
	}
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
