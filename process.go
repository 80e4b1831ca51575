package bbq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ProducerConfig configures RunProducer.
type ProducerConfig struct {
	Count int           // Items to produce, 0 = until ctx ends
	Start int64         // First item value; later items count up from it
	Delay time.Duration // Simulated work before each item, outside the critical section
	Out   io.Writer     // One line per produced item, nil = silent
}

// ConsumerConfig configures RunConsumer.
type ConsumerConfig struct {
	Count  int                        // Items to consume, 0 = until ctx ends
	Delay  time.Duration              // Simulated work after each item, outside the critical section
	Out    io.Writer                  // One line per consumed item, nil = silent
	OnItem func(item int64, slot int) // Called for every consumed item
}

// RunProducer runs the producer loop on b.
// It returns nil when Count items were produced or when ctx ends (graceful
// shutdown), and the first fatal error otherwise.
func RunProducer(ctx context.Context, b *Buffer, cfg ProducerConfig) error {
	log := b.log.With("role", "producer")
	log.Info("producer started", "count", cfg.Count, "start", cfg.Start, "delay", cfg.Delay)

	produced := 0
	for item := cfg.Start; cfg.Count == 0 || produced < cfg.Count; item++ {
		if !sleep(ctx, cfg.Delay) {
			break
		}
		slot, err := b.Produce(ctx, item)
		if err != nil {
			if stopped(ctx, err) {
				break
			}
			log.Error("producer failed", "item", item, "error", err)
			return err
		}
		produced++
		if cfg.Out != nil {
			fmt.Fprintf(cfg.Out, "produced item=%d slot=%d\n", item, slot)
		}
	}

	log.Info("producer stopped", "produced", produced)
	return nil
}

// RunConsumer runs the consumer loop on b.
// It returns nil when Count items were consumed or when ctx ends, and the first
// fatal error otherwise.
func RunConsumer(ctx context.Context, b *Buffer, cfg ConsumerConfig) error {
	log := b.log.With("role", "consumer")
	log.Info("consumer started", "count", cfg.Count, "delay", cfg.Delay)

	consumed := 0
	for cfg.Count == 0 || consumed < cfg.Count {
		item, slot, err := b.Consume(ctx)
		if err != nil {
			if stopped(ctx, err) {
				break
			}
			log.Error("consumer failed", "error", err)
			return err
		}
		consumed++
		if cfg.Out != nil {
			fmt.Fprintf(cfg.Out, "consumed item=%d slot=%d\n", item, slot)
		}
		if cfg.OnItem != nil {
			cfg.OnItem(item, slot)
		}
		if !sleep(ctx, cfg.Delay) {
			break
		}
	}

	log.Info("consumer stopped", "consumed", consumed)
	return nil
}

// stopped reports whether err is the result of a shutdown request rather than
// a failure.
func stopped(ctx context.Context, err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// sleep waits for d or until ctx ends. It reports whether the loop should go on.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
