package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/c360/ofsaga/dispatch"
	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/flowhs"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/hub"
	"github.com/c360/ofsaga/metric"
	"github.com/c360/ofsaga/pkg/worker"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
	"github.com/c360/ofsaga/swmanager"
)

// Subjects names the NATS subjects the processor uses.
type Subjects struct {
	Requests      string `json:"requests" yaml:"requests"`
	Responses     string `json:"responses" yaml:"responses"`
	Commands      string `json:"commands" yaml:"commands"`
	Notifications string `json:"notifications" yaml:"notifications"`
	Lifecycle     string `json:"lifecycle" yaml:"lifecycle"`
}

// Config holds configuration for the orchestrator processor.
type Config struct {
	Subjects Subjects
	Dispatch dispatch.Config
	// Partitions is the number of single-threaded saga shards.
	Partitions int
	QueueSize  int
	// CommandTimeout bounds the wait for a speaker response; zero disables it.
	CommandTimeout time.Duration
	// CommandsPerSecond caps outbound commands; zero disables the limit.
	CommandsPerSecond float64
	CommandBurst      int
}

// DefaultConfig returns the default configuration for the orchestrator processor.
func DefaultConfig() Config {
	return Config{
		Subjects: Subjects{
			Requests:      "ofsaga.requests",
			Responses:     "ofsaga.speaker.responses",
			Commands:      "ofsaga.speaker.commands",
			Notifications: "ofsaga.notifications",
			Lifecycle:     "ofsaga.lifecycle",
		},
		Dispatch:          dispatch.DefaultConfig(),
		Partitions:        8,
		QueueSize:         1000,
		CommandTimeout:    30 * time.Second,
		CommandsPerSecond: 500,
		CommandBurst:      100,
	}
}

// Client is the transport used by the processor. *natsclient.Client
// satisfies it.
type Client interface {
	Publisher
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Dependencies are the collaborators shared with the rest of the daemon.
type Dependencies struct {
	Client          Client
	Flows           *flowhs.Service
	Switches        *swmanager.Service
	History         *history.Recorder
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Clock           clock.PassiveClock
}

// work is one event routed to the shard owning its key.
type work struct {
	request  *hub.Request
	response *speaker.Response
	timeout  bool
	// inspect receives the keys running on the shard.
	inspect chan<- []string
}

// Processor decodes requests and responses and drives the hub shards.
type Processor struct {
	name      string
	cfg       Config
	client    Client
	decoder   decoder
	logger    *slog.Logger
	lifecycle *hub.Lifecycle
	shards    []*hub.Service
	pool      *worker.PartitionedPool[work]
	timeouts  *speaker.TimeoutTracker
	sender    *Sender

	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	// runCtx outlives Stop so queued events are still processed while draining.
	runCtx    context.Context
	cancelRun context.CancelFunc

	requests  atomic.Int64
	responses atomic.Int64
	errors    atomic.Int64

	metrics *orchestratorMetrics
}

// NewProcessor wires the shards, the worker pool and the command sender.
func NewProcessor(cfg Config, deps Dependencies) (*Processor, error) {
	if deps.Client == nil || deps.Flows == nil || deps.Switches == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "OrchestratorProcessor", "NewProcessor",
			"client and saga services required")
	}
	if cfg.Subjects.Requests == "" || cfg.Subjects.Responses == "" || cfg.Subjects.Commands == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "OrchestratorProcessor", "NewProcessor",
			"requests, responses and commands subjects required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	p := &Processor{
		name:    "orchestrator",
		cfg:     cfg,
		client:  deps.Client,
		decoder: decoder{flows: deps.Flows, switches: deps.Switches},
		logger:  logger.With("component", "orchestrator"),
	}

	metrics, err := newOrchestratorMetrics(deps.MetricsRegistry)
	if err != nil {
		p.logger.Error("Failed to initialize orchestrator metrics", "error", err)
	}
	p.metrics = metrics
	hubMetrics, err := hub.NewMetrics(deps.MetricsRegistry)
	if err != nil {
		p.logger.Error("Failed to initialize hub metrics", "error", err)
	}
	dispatchMetrics, err := dispatch.NewMetrics(deps.MetricsRegistry)
	if err != nil {
		p.logger.Error("Failed to initialize dispatch metrics", "error", err)
	}

	var limiter *rate.Limiter
	if cfg.CommandsPerSecond > 0 {
		burst := max(cfg.CommandBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), burst)
	}
	if cfg.CommandTimeout > 0 {
		p.timeouts = speaker.NewTimeoutTracker(cfg.CommandTimeout, p.onTimeout)
	}
	p.sender = NewSender(deps.Client, cfg.Subjects.Commands, limiter, p.timeouts)

	dispatcher := dispatch.NewDispatcher(p.sender, deps.History, cfg.Dispatch,
		dispatch.WithLogger(logger), dispatch.WithMetrics(dispatchMetrics))

	p.lifecycle = hub.NewLifecycle(p.publishInactive)
	p.pool = worker.NewPartitionedPool(cfg.Partitions, cfg.QueueSize, p.process,
		worker.WithMetricsRegistry[work](deps.MetricsRegistry, "orchestrator"))

	notifier := hub.NotifierFunc(p.publishNotification)
	p.shards = make([]*hub.Service, p.pool.Partitions())
	for i := range p.shards {
		rt := saga.Runtime{
			Dispatcher: dispatcher,
			History:    deps.History,
			Logger:     logger,
			Clock:      deps.Clock,
		}
		p.shards[i] = hub.NewService(i, rt, p.lifecycle, notifier,
			hub.WithMetrics(hubMetrics), hub.WithLogger(logger))
	}
	return p, nil
}

// Lifecycle exposes the shared activation state.
func (p *Processor) Lifecycle() *hub.Lifecycle { return p.lifecycle }

// Start subscribes to the inbound subjects and starts the shards.
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "OrchestratorProcessor", "Start", "check running state")
	}
	p.runCtx, p.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	if err := p.pool.Start(p.runCtx); err != nil {
		p.cancelRun()
		return errors.WrapFatal(err, "OrchestratorProcessor", "Start", "start worker pool")
	}
	if p.timeouts != nil {
		p.timeouts.Start()
	}

	subs := []struct {
		subject string
		handler func(context.Context, []byte)
	}{
		{p.cfg.Subjects.Requests, p.handleRequest},
		{p.cfg.Subjects.Responses, p.handleResponse},
		{p.cfg.Subjects.Lifecycle, p.handleLifecycle},
	}
	for _, sub := range subs {
		if sub.subject == "" {
			continue
		}
		if err := p.client.Subscribe(ctx, sub.subject, sub.handler); err != nil {
			p.logger.Error("Failed to subscribe to NATS subject", "subject", sub.subject, "error", err)
			return errors.WrapTransient(err, "OrchestratorProcessor", "Start", fmt.Sprintf("subscribe to %s", sub.subject))
		}
		p.logger.Debug("Subscribed to NATS subject", "subject", sub.subject)
	}

	p.running = true
	p.startTime = time.Now()
	p.logger.Info("Orchestrator started",
		"partitions", p.pool.Partitions(),
		"requests", p.cfg.Subjects.Requests,
		"responses", p.cfg.Subjects.Responses)
	return nil
}

// Stop drains the shards and halts the timeout tracker.
func (p *Processor) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	if p.timeouts != nil {
		p.timeouts.Stop()
	}
	err := p.pool.Stop(timeout)
	p.cancelRun()
	if err != nil {
		return errors.WrapTransient(err, "OrchestratorProcessor", "Stop", "graceful shutdown")
	}
	p.logger.Info("Orchestrator stopped", "uptime", time.Since(p.startTime))
	return nil
}

// process runs on the goroutine owning the partition.
func (p *Processor) process(ctx context.Context, partition int, w work) error {
	shard := p.shards[partition]
	switch {
	case w.request != nil:
		return shard.HandleRequest(ctx, *w.request)
	case w.response != nil && w.timeout:
		shard.HandleTimeout(ctx, *w.response)
	case w.response != nil:
		shard.HandleResponse(ctx, *w.response)
	case w.inspect != nil:
		w.inspect <- shard.Keys()
	}
	return nil
}

// RunningKeys returns the keys of the running sagas across all shards. Each
// shard answers on its own goroutine, so a shard stuck on an event makes the
// call wait until ctx is done.
func (p *Processor) RunningKeys(ctx context.Context) ([]string, error) {
	n := p.pool.Partitions()
	answers := make(chan []string, n)
	if err := p.pool.Broadcast(ctx, func(int) work { return work{inspect: answers} }); err != nil {
		return nil, errors.WrapTransient(err, "OrchestratorProcessor", "RunningKeys", "broadcast to shards")
	}
	var keys []string
	for range n {
		select {
		case shardKeys := <-answers:
			keys = append(keys, shardKeys...)
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "OrchestratorProcessor", "RunningKeys", "wait for shards")
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Processor) handleRequest(ctx context.Context, data []byte) {
	p.requests.Add(1)
	p.metrics.recordReceived("request")

	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("decode")
		p.logger.Debug("Failed to parse request envelope", "error", err)
		return
	}
	req, err := p.decoder.decode(env)
	if err != nil {
		p.errors.Add(1)
		p.metrics.recordError("decode")
		p.logger.Warn("Rejected request", "type", env.Type, "correlation_id", env.CorrelationID, "error", err)
		p.publishNotification(ctx, hub.Notification{
			CorrelationID: env.CorrelationID,
			Type:          env.Type,
			ErrorType:     errors.TypeOf(err).String(),
			Reason:        errors.ReasonOf(err),
		})
		return
	}

	if err := p.pool.Submit(req.Key, work{request: &req}); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("submit")
		p.logger.Error("Failed to queue request", "key", req.Key, "error", err)
		p.publishNotification(ctx, hub.Notification{
			CorrelationID: env.CorrelationID,
			Key:           req.Key,
			Type:          env.Type,
			ErrorType:     errors.ErrorTypeInternal.String(),
			Reason:        err.Error(),
		})
	}
}

func (p *Processor) handleResponse(ctx context.Context, data []byte) {
	p.responses.Add(1)
	p.metrics.recordReceived("response")

	var resp speaker.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("decode")
		p.logger.Debug("Failed to parse speaker response", "error", err)
		return
	}

	// The timeout is cancelled before the hand-off: once queued, the shard may
	// re-send the command under the same id and track it again.
	var (
		pending speaker.Envelope
		tracked bool
	)
	if p.timeouts != nil {
		if pending, tracked = p.timeouts.Resolve(resp.CommandID); !tracked {
			p.logger.Debug("Response for an untracked command", "key", resp.Key, "command_id", resp.CommandID)
		}
	}
	if err := p.pool.SubmitWait(ctx, resp.Key, work{response: &resp}); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("submit")
		p.logger.Error("Failed to queue response", "key", resp.Key, "command_id", resp.CommandID, "error", err)
		if tracked {
			// the command times out instead, so the saga still hears about it
			p.timeouts.Track(pending.Key, pending.Command)
		}
	}
}

// onTimeout runs on a tracker goroutine and only hands off. A timeout that
// cannot be queued is re-armed by the tracker.
func (p *Processor) onTimeout(resp speaker.Response) bool {
	ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.CommandTimeout)
	defer cancel()
	if err := p.pool.SubmitWait(ctx, resp.Key, work{response: &resp, timeout: true}); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("submit")
		p.logger.Warn("Failed to queue command timeout, re-arming",
			"key", resp.Key, "command_id", resp.CommandID, "error", err)
		return false
	}
	p.metrics.recordTimeout()
	return true
}

func (p *Processor) handleLifecycle(ctx context.Context, data []byte) {
	p.metrics.recordReceived("lifecycle")

	var msg LifecycleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.metrics.recordError("decode")
		p.logger.Debug("Failed to parse lifecycle message", "error", err)
		return
	}
	switch msg.Signal {
	case SignalActivate:
		p.lifecycle.Activate()
		p.logger.Info("Orchestrator activated")
	case SignalDeactivate:
		idle := p.lifecycle.Deactivate()
		p.logger.Info("Orchestrator deactivated", "idle", idle, "running", p.lifecycle.Running())
		if idle {
			p.publishInactive(ctx)
		}
	case SignalInactive:
		// our own echo
	default:
		p.logger.Warn("Unknown lifecycle signal", "signal", msg.Signal)
	}
}

func (p *Processor) publishInactive(ctx context.Context) {
	if p.cfg.Subjects.Lifecycle == "" {
		return
	}
	p.publish(ctx, p.cfg.Subjects.Lifecycle, LifecycleMessage{Signal: SignalInactive})
}

func (p *Processor) publishNotification(ctx context.Context, n hub.Notification) {
	if p.cfg.Subjects.Notifications == "" {
		return
	}
	p.publish(ctx, p.cfg.Subjects.Notifications, n)
}

func (p *Processor) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.errors.Add(1)
		p.logger.Error("Failed to marshal message", "subject", subject, "error", err)
		return
	}
	if err := p.client.Publish(ctx, subject, data); err != nil {
		p.errors.Add(1)
		p.metrics.recordError("publish")
		p.logger.Error("Failed to publish message", "subject", subject, "error", err)
	}
}

// Stats reports message counters.
type Stats struct {
	Requests  int64            `json:"requests"`
	Responses int64            `json:"responses"`
	Errors    int64            `json:"errors"`
	Running   int64            `json:"running"`
	Pool      worker.PoolStats `json:"pool"`
	InFlight  int              `json:"in_flight_commands"`
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Requests:  p.requests.Load(),
		Responses: p.responses.Load(),
		Errors:    p.errors.Load(),
		Running:   p.lifecycle.Running(),
		Pool:      p.pool.Stats(),
	}
	if p.timeouts != nil {
		s.InFlight = p.timeouts.Len()
	}
	return s
}
