package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the brokers and topics for the Kafka sink.
type KafkaConfig struct {
	Brokers    []string
	TradeTopic string
	BookTopic  string
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards trades and book snapshots to Kafka, keyed by market so
// a partition sees one market's events in order. Order and market events are
// not forwarded.
type KafkaSink struct {
	trades messageWriter
	books  messageWriter
}

// NewKafkaSink creates writers for the configured topics.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{
		trades: newWriter(cfg.Brokers, cfg.TradeTopic),
		books:  newWriter(cfg.Brokers, cfg.BookTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	var w messageWriter
	switch ev.Kind {
	case KindTrade:
		w = s.trades
	case KindBook:
		w = s.books
	default:
		return nil
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.MarketID),
		Value: payload,
		Time:  ev.Timestamp,
	}); err != nil {
		return fmt.Errorf("marketdata: kafka %s: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes and closes both writers.
func (s *KafkaSink) Close() error {
	err := s.trades.Close()
	if berr := s.books.Close(); err == nil {
		err = berr
	}
	return err
}
