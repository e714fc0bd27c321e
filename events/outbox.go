package events

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"build-earn/domain"
)

// Config tunes the Outbox.
type Config struct {
	Buffer         int
	Workers        int
	HandoffTimeout time.Duration
	DeliverTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 25 * time.Millisecond
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	return c
}

var (
	errOutboxSaturated = errors.New("event outbox is saturated")
	errOutboxClosed    = errors.New("event outbox is closed")
)

// Outbox hands task events to a Sink off the request path. Events for the
// same task are delivered by the same worker, in publish order. Failed
// deliveries are retried with backoff and dropped after MaxAttempts.
type Outbox struct {
	cfg    Config
	sink   Sink
	logger *log.Logger

	shards []chan domain.TaskEvent
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closing bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	started   time.Time
}

func NewOutbox(sink Sink, cfg Config, logger *log.Logger) *Outbox {
	if sink == nil {
		panic("sink is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		shards:  make([]chan domain.TaskEvent, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now().UTC(),
	}
	for i := range o.shards {
		o.shards[i] = make(chan domain.TaskEvent, cfg.Buffer)
		o.wg.Add(1)
		go o.worker(i, o.shards[i])
	}
	return o
}

// Publish queues ev for delivery. It fails fast when the worker owning the
// task is backed up for longer than the handoff timeout.
func (o *Outbox) Publish(ctx context.Context, ev domain.TaskEvent) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		return errOutboxClosed
	}
	ch := o.shards[o.shardFor(ev.TaskID)]

	select {
	case ch <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case ch <- ev:
		return nil
	case <-timer.C:
		return errOutboxSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) shardFor(taskID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(len(o.shards)))
}

func (o *Outbox) worker(id int, ch <-chan domain.TaskEvent) {
	defer o.wg.Done()
	for ev := range ch {
		o.deliver(id, ev)
	}
}

func (o *Outbox) deliver(workerID int, ev domain.TaskEvent) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.DeliverTimeout)
		err := o.sink.Deliver(ctx, ev)
		cancel()
		if err == nil {
			o.delivered.Add(1)
			return
		}
		entry := o.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"task":    ev.TaskID,
			"event":   ev.Type,
			"attempt": attempt,
		})
		if attempt >= o.cfg.MaxAttempts || o.ctx.Err() != nil {
			o.dropped.Add(1)
			entry.Error("event.outbox.dropped")
			return
		}
		entry.Warn("event.outbox.retry")

		timer := time.NewTimer(exponentialBackoff(attempt, o.cfg.RetryInitial, o.cfg.RetryMax))
		select {
		case <-timer.C:
		case <-o.ctx.Done():
			timer.Stop()
			o.dropped.Add(1)
			entry.Error("event.outbox.dropped")
			return
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// until ctx expires, after which pending deliveries are abandoned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	for _, ch := range o.shards {
		close(ch)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the outbox.
type Stats struct {
	Buffered  int       `json:"buffered"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
	StartedAt time.Time `json:"startedAt"`
	DrainRate float64   `json:"drainRatePerSecond"`
}

func (o *Outbox) Stats() Stats {
	buffered := 0
	for _, ch := range o.shards {
		buffered += len(ch)
	}
	delivered := o.delivered.Load()
	rps := 0.0
	if elapsed := time.Since(o.started); elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		Buffered:  buffered,
		Delivered: delivered,
		Dropped:   o.dropped.Load(),
		StartedAt: o.started,
		DrainRate: rps,
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
