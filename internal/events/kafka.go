package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	QueueSize    int
	WriteTimeout time.Duration
	// Consecutive write failures before the breaker opens.
	MaxFailures uint32
	// How long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// KafkaSink queues records and writes them from one goroutine through a
// circuit breaker. A full queue or an open breaker drops records.
type KafkaSink struct {
	writer  messageWriter
	cb      *gobreaker.CircuitBreaker
	queue   chan kafka.Message
	timeout time.Duration
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaSink(w, cfg, logger)
}

func newKafkaSink(w messageWriter, cfg KafkaConfig, logger *zap.Logger) *KafkaSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "kafka-events",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &KafkaSink{
		writer:  w,
		cb:      gobreaker.NewCircuitBreaker(st),
		queue:   make(chan kafka.Message, cfg.QueueSize),
		timeout: cfg.WriteTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (s *KafkaSink) Publish(_ context.Context, r Record) {
	value, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("marshal event record", zap.String("type", r.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(r.Key()),
		Value: value,
		Time:  r.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(r.Type)},
		},
	}
	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("event queue full, dropping record", zap.String("type", r.Type), zap.String("id", r.ID))
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// and closes the writer.
func (s *KafkaSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case msg := <-s.queue:
			s.write(msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-s.queue:
					s.write(msg)
				default:
					s.closeWriter()
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (s *KafkaSink) Wait() { <-s.done }

func (s *KafkaSink) write(msg kafka.Message) {
	_, err := s.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return nil, s.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		s.logger.Warn("event write failed", zap.ByteString("key", msg.Key), zap.Error(err))
	}
}

func (s *KafkaSink) closeWriter() {
	s.closeOnce.Do(func() {
		if err := s.writer.Close(); err != nil {
			s.logger.Warn("close kafka writer", zap.Error(err))
		}
	})
}
