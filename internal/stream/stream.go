// Package stream feeds transactions from a Kafka topic through the firewall
// pipeline and publishes each outcome to a second topic.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/qff/internal/firewall"
	"github.com/mbd888/qff/internal/logging"
	"github.com/mbd888/qff/internal/retry"
	"github.com/mbd888/qff/internal/risk"
)

// Outcome values published for messages the pipeline never ran.
const (
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers      []string
	IngestTopic  string
	OutcomeTopic string
	GroupID      string
}

// Processor runs a single transaction through the pipeline.
type Processor interface {
	Process(ctx context.Context, req firewall.Request) (*firewall.Result, error)
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the consumer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope carries per-message pipeline options next to the transaction.
type envelope struct {
	InterceptProbability *float64 `json:"interceptProbability"`
}

// OutcomeMessage is the value written to the outcome topic.
type OutcomeMessage struct {
	TransactionID string           `json:"transactionId,omitempty"`
	Outcome       string           `json:"outcome"`
	Result        *firewall.Result `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	Partition     int              `json:"partition"`
	Offset        int64            `json:"offset"`
	ProcessedAt   time.Time        `json:"processedAt"`
}

// Consumer reads the ingest topic until its context ends.
type Consumer struct {
	reader    MessageReader
	writer    MessageWriter
	processor Processor
	logger    *slog.Logger
}

// NewConsumer connects to the brokers in cfg. Messages are committed only
// after their outcome is published.
func NewConsumer(cfg Config, processor Processor, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: no brokers configured")
	}
	if cfg.IngestTopic == "" || cfg.OutcomeTopic == "" {
		return nil, errors.New("stream: ingest and outcome topics are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.IngestTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.OutcomeTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewConsumerWith(reader, writer, processor, logger), nil
}

// NewConsumerWith builds a consumer over existing reader and writer.
func NewConsumerWith(reader MessageReader, writer MessageWriter, processor Processor, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, writer: writer, processor: processor, logger: logger}
}

// Run consumes until ctx is canceled or the reader fails. A canceled
// context returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("stream consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("stream consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle processes one message and commits it once its outcome is out.
// Only publish and commit failures are returned; pipeline failures become
// FAILED outcomes so a poison message cannot stall the partition.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	out := c.process(ctx, msg)
	value, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	key := msg.Key
	if out.TransactionID != "" {
		key = []byte(out.TransactionID)
	}
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return c.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	})
	if err != nil {
		MessagesTotal.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("publish outcome: %w", err)
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	MessagesTotal.WithLabelValues(out.Outcome).Inc()
	return nil
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) *OutcomeMessage {
	out := &OutcomeMessage{
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		ProcessedAt: time.Now().UTC(),
	}

	var tx risk.Transaction
	var env envelope
	if err := json.Unmarshal(msg.Value, &tx); err != nil {
		c.logger.Warn("rejecting malformed stream message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		out.Outcome = OutcomeRejected
		out.Error = "malformed transaction"
		return out
	}
	_ = json.Unmarshal(msg.Value, &env)
	tx.Sanitize()
	if tx.Receiver == "" || tx.Type == "" {
		out.TransactionID = tx.ID
		out.Outcome = OutcomeRejected
		out.Error = "receiver and type are required"
		return out
	}

	pctx := logging.WithLogger(ctx, c.logger.With("partition", msg.Partition, "offset", msg.Offset))
	res, err := c.processor.Process(pctx, firewall.Request{
		Transaction:          tx,
		InterceptProbability: env.InterceptProbability,
	})
	if err != nil {
		out.TransactionID = tx.ID
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		return out
	}
	out.TransactionID = res.TransactionID
	out.Outcome = string(res.Outcome)
	out.Result = res
	return out
}

// Close releases the reader and writer.
func (c *Consumer) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}
