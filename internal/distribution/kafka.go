package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the kafka transport.
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	RequiredAcks int
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	BufSize      int
}

// Kafka publishes batches to kafka topics. Subscribers join GroupID starting
// from the latest offset and commit on read, so a restarted subscriber skips
// what it missed.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	log    zerolog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool

	// OnDrop is called when a message is dropped for a slow subscriber.
	OnDrop func(topic string)
}

// NewKafka creates a Kafka transport. No connection is made until first use.
func NewKafka(cfg KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.BufSize <= 0 {
		cfg.BufSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           cfg.BatchTimeout,
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{
		cfg:    cfg,
		writer: w,
		log:    log.With().Str("component", "distribution").Str("transport", "kafka").Logger(),
	}, nil
}

// Publish writes payload to topic. Retries are left to the caller.
func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: payload,
		Time:  time.Now(),
	})
}

// Subscribe starts one reader per topic and merges their messages.
func (k *Kafka) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, t := range topics {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.cfg.Brokers,
			GroupID:     k.cfg.GroupID,
			Topic:       t,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
		})
		readers = append(readers, r)
	}
	k.readers = append(k.readers, readers...)
	k.mu.Unlock()

	out := make(chan Message, k.cfg.BufSize)
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			k.consume(ctx, r, out)
		}(r)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	k.log.Info().Strs("topics", topics).Str("group", k.cfg.GroupID).Msg("subscribed")
	return out, nil
}

func (k *Kafka) consume(ctx context.Context, r *kafka.Reader, out chan<- Message) {
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.log.Warn().Err(err).Str("topic", r.Config().Topic).Msg("read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		select {
		case out <- Message{Topic: m.Topic, Payload: m.Value}:
		default:
			if k.OnDrop != nil {
				k.OnDrop(m.Topic)
			}
		}
	}
}

// Close closes the writer and every reader.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", r.Config().Topic, err))
		}
	}
	return errors.Join(errs...)
}
