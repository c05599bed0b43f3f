package candidates

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/internal/lsh/index"
	"github.com/digitisingscotland/pakdd2018-metric-linkage/pkg/kafka"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// StatusRecorder receives published/dropped/failed counts, e.g. a
// prometheus CounterVec adapter. May be nil.
type StatusRecorder func(status string, n int)

// Collector accumulates block events and flushes them to the publisher when
// the batch is full or the flush interval elapses. Failed batches are
// re-queued up to maxBuffered events; beyond that the oldest are dropped.
type Collector struct {
	publisher     Publisher
	params        lsh.Params
	family        string
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	record        StatusRecorder

	mu       sync.Mutex
	buffer   []kafka.Event
	flushing sync.Mutex

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithBatchSize sets the flush threshold.
func WithBatchSize(n int) Option {
	return func(c *Collector) { c.batchSize = n }
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Collector) { c.flushInterval = d }
}

// WithStatusRecorder installs a counter hook.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(c *Collector) { c.record = r }
}

// NewCollector creates a Collector for blocks produced under params.
func NewCollector(publisher Publisher, params lsh.Params, family string, opts ...Option) *Collector {
	c := &Collector{
		publisher:     publisher,
		params:        params,
		family:        family,
		batchSize:     100,
		flushInterval: 5 * time.Second,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        slog.Default().With("component", "candidate-collector"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize <= 0 {
		c.batchSize = 100
	}
	if c.flushInterval <= 0 {
		c.flushInterval = 5 * time.Second
	}
	c.maxBuffered = c.batchSize * 3
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	return c
}

// Start launches the background flush loop. It runs until Close or until
// ctx is cancelled; either way a final flush is attempted.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-c.kick:
				c.flush(ctx)
			case <-c.stop:
				c.finalFlush()
				return
			case <-ctx.Done():
				c.finalFlush()
				return
			}
		}
	}()
	c.logger.Info("candidate collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Emit queues the block found for query. The query's own record is removed
// from the candidates.
func (c *Collector) Emit(query index.Record, block []index.Record) {
	event := NewBlockEvent(query, block, c.params, c.family)
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: query.ID, Value: event})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop after a final flush and waits for it.
func (c *Collector) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// BufferLen returns the current number of buffered events.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.flush(ctx)
}

func (c *Collector) flush(ctx context.Context) {
	c.flushing.Lock()
	defer c.flushing.Unlock()

	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("block batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		c.count("failed", len(batch))
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if over := len(c.buffer) - c.maxBuffered; over > 0 {
			c.buffer = c.buffer[over:]
			c.logger.Warn("buffer overflow, block events dropped", "dropped", over)
			c.count("dropped", over)
		}
		c.mu.Unlock()
		return
	}
	c.count("published", len(batch))
	c.logger.Debug("block batch flushed", "events", len(batch))
}

func (c *Collector) count(status string, n int) {
	if c.record != nil {
		c.record(status, n)
	}
}
