package zeroex

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

const (
	defaultReporterQueueSize = 256
	kafkaWriteTimeout        = 5 * time.Second
)

// LogReporter writes every progress event to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ev chain.ProgressEvent) {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.Int("step", ev.Index),
		zap.String("label", ev.Label),
		zap.Stringer("state", ev.State),
	}
	if ev.TxID != (common.Hash{}) {
		fields = append(fields, zap.String("tx", ev.TxID.Hex()))
	}
	switch ev.State {
	case chain.StepReverted, chain.StepFailed:
		r.logger.Warn("step_progress", append(fields, zap.String("error", ev.Error))...)
	default:
		r.logger.Info("step_progress", fields...)
	}
}

// MultiReporter fans an event out to several reporters.
// A panicking reporter does not stop the others.
type MultiReporter []chain.Reporter

func (m MultiReporter) Report(ev chain.ProgressEvent) {
	for _, r := range m {
		func() {
			defer func() { _ = recover() }()
			r.Report(ev)
		}()
	}
}

// messageWriter is the subset of *kafka.Writer the reporter needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes progress events as JSON, keyed by run id.
// Report never blocks: events are dropped when the queue is full.
type KafkaReporter struct {
	writer messageWriter
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan chain.ProgressEvent
	done   chan struct{}
}

// NewKafkaReporter creates a reporter writing to topic on brokers
func NewKafkaReporter(brokers []string, topic string, logger *zap.Logger) *KafkaReporter {
	return newKafkaReporter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, logger)
}

func newKafkaReporter(w messageWriter, logger *zap.Logger) *KafkaReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &KafkaReporter{
		writer: w,
		logger: logger,
		events: make(chan chain.ProgressEvent, defaultReporterQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *KafkaReporter) Report(ev chain.ProgressEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("progress_event_dropped", zap.String("run_id", ev.RunID), zap.Int("step", ev.Index))
	}
}

func (r *KafkaReporter) run() {
	defer close(r.done)
	for ev := range r.events {
		value, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("failed to marshal progress event", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err = r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RunID), Value: value})
		cancel()
		if err != nil {
			r.logger.Warn("failed to publish progress event", zap.String("run_id", ev.RunID), zap.Error(err))
		}
	}
}

// Close flushes queued events and closes the writer
func (r *KafkaReporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done
	return r.writer.Close()
}
