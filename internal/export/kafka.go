// Package export forwards check events from the bus to a Kafka topic so
// other systems can consume the price history as a stream.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/scheduler"
	logx "pricewatch/pkg/logx"
)

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewWriter builds a synchronous kafka writer for cfg.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka export needs brokers and topic")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// Exporter publishes check.completed and check.failed events.
type Exporter struct {
	w       Writer
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
}

func New(w Writer, bus eventbus.Bus, timeout time.Duration, log logx.Logger) *Exporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Exporter{w: w, bus: bus, log: log, timeout: timeout}
}

// Run forwards events until ctx is done, then closes the writer.
func (e *Exporter) Run(ctx context.Context) error {
	ch, unsub := e.bus.Subscribe(64)
	defer unsub()
	defer func() {
		if err := e.w.Close(); err != nil {
			e.log.Warn("kafka writer close failed", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.CheckCompleted && ev.Type != eventbus.CheckFailed {
				continue
			}
			if err := e.write(ctx, ev); err != nil && ctx.Err() == nil {
				e.log.Warn("export failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (e *Exporter) write(ctx context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if ce, ok := ev.Data.(scheduler.CheckEvent); ok && ce.Observation != nil {
		msg.Key = []byte(ce.Observation.ID)
	}

	wctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.w.WriteMessages(wctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}
