// Package worker provides a key-partitioned worker pool: every key is served by
// exactly one goroutine, so work items sharing a key are processed sequentially
// and in submission order.
package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ofsaga/metric"
)

// Pool lifecycle and admission errors.
var (
	ErrPoolNotStarted     = errors.New("partitioned pool not started")
	ErrPoolStopped        = errors.New("partitioned pool stopped")
	ErrPoolAlreadyStarted = errors.New("partitioned pool already started")
	ErrQueueFull          = errors.New("partition queue full")
	ErrNilProcessor       = errors.New("nil partition processor")
	ErrStopTimeout        = errors.New("partitions did not drain before the stop timeout")
)

// Processor handles one work item on the partition that owns its key.
type Processor[T any] func(ctx context.Context, partition int, work T) error

// PartitionedPool routes work to a fixed partition per key.
type PartitionedPool[T any] struct {
	partitions int
	queueSize  int
	processor  Processor[T]
	queues     []chan T
	// quit releases SubmitWait callers before Stop closes the queues.
	quit     chan struct{}
	quitOnce sync.Once

	metrics *Metrics
	wg      sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for pool monitoring
type Metrics struct {
	queueDepth     *prometheus.GaugeVec
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a PartitionedPool
type Option[T any] func(*PartitionedPool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *PartitionedPool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPartitionedPool creates a pool with the given number of partitions, each
// with its own bounded queue.
func NewPartitionedPool[T any](partitions, queueSize int, processor Processor[T], opts ...Option[T]) *PartitionedPool[T] {
	if partitions <= 0 {
		partitions = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &PartitionedPool[T]{
		partitions: partitions,
		queueSize:  queueSize,
		processor:  processor,
		queues:     make([]chan T, partitions),
		quit:       make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan T, queueSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *PartitionedPool[T]) initializeMetrics() {
	prefix := p.metricsPrefix
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Current queue depth per partition",
		}, []string{"partition"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total work items dropped due to a full partition queue",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const serviceName = "worker_pool"
	_ = p.metricsRegistry.RegisterGaugeVec(serviceName, prefix+"_queue_depth", m.queueDepth)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", m.submitted)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", m.processed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", m.failed)
	_ = p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", m.dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", m.processingTime)
	p.metrics = m
}

// Partitions returns the number of partitions.
func (p *PartitionedPool[T]) Partitions() int { return p.partitions }

// PartitionFor maps a key to its partition.
func (p *PartitionedPool[T]) PartitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(p.partitions))
}

func (p *PartitionedPool[T]) checkRunning() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

// Submit enqueues work on the partition of key without blocking.
func (p *PartitionedPool[T]) Submit(key string, work T) error {
	return p.SubmitTo(p.PartitionFor(key), work)
}

// SubmitTo enqueues work on an explicit partition without blocking.
func (p *PartitionedPool[T]) SubmitTo(partition int, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}

	select {
	case p.queues[partition] <- work:
		p.recordSubmitted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work on the partition of key, waiting for queue space
// until ctx is done.
func (p *PartitionedPool[T]) SubmitWait(ctx context.Context, key string, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}

	select {
	case p.queues[p.PartitionFor(key)] <- work:
		p.recordSubmitted()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast enqueues one work item per partition, built by fn, waiting for space.
func (p *PartitionedPool[T]) Broadcast(ctx context.Context, fn func(partition int) T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}
	for i := range p.queues {
		select {
		case p.queues[i] <- fn(i):
			p.recordSubmitted()
		case <-p.quit:
			return ErrPoolStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *PartitionedPool[T]) recordSubmitted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}
}

// Start launches one goroutine per partition
func (p *PartitionedPool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.started = true
	return nil
}

// Stop closes the queues and waits for the partitions to drain. Items already
// queued are still processed, so the context given to Start should outlive Stop.
func (p *PartitionedPool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.RLock()
	started := p.started
	p.lifecycleMu.RUnlock()
	if !started {
		return nil
	}
	p.quitOnce.Do(func() { close(p.quit) })

	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *PartitionedPool[T]) Stats() PoolStats {
	depth := 0
	for _, q := range p.queues {
		depth += len(q)
	}
	return PoolStats{
		Partitions: p.partitions,
		QueueSize:  p.queueSize,
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Partitions int   `json:"partitions"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *PartitionedPool[T]) worker(ctx context.Context, partition int) {
	defer p.wg.Done()

	queue := p.queues[partition]
	label := strconv.Itoa(partition)
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-queue:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, partition, work)
			duration := time.Since(start)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
				p.metrics.queueDepth.WithLabelValues(label).Set(float64(len(queue)))
			}
		}
	}
}
