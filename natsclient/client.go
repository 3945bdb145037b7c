package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = fmt.Errorf("not connected to NATS: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection, its JetStream context and the
// subscriptions made through it. Consecutive connection failures open a circuit
// that rejects further attempts until the backoff elapses.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	backoff  atomic.Int64 // time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	handlerTimeout time.Duration

	username    string
	password    string
	token       string
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string
	clientName  string

	onHealthChange func(bool)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		handlerTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy returns true if the connection is usable
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Backoff returns the delay before the circuit is tested again
func (c *Client) Backoff() time.Duration { return time.Duration(c.backoff.Load()) }

// connection returns the underlying connection, nil before Connect.
func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	c.metrics.RecordNATSStatus(status == StatusConnected)
}

func (c *Client) recordFailure() {
	n := c.failures.Add(1)
	if n < c.circuitThreshold {
		return
	}
	current := c.Status()
	if current == StatusCircuitOpen || !c.status.CompareAndSwap(current, StatusCircuitOpen) {
		return
	}
	c.metrics.RecordNATSStatus(false)

	wait := c.Backoff()
	next := min(wait*2, c.maxBackoff)
	c.backoff.Store(int64(next))
	c.failures.Store(0)
	c.logger.Warn("Circuit breaker opened", "failures", n, "backoff", wait)

	time.AfterFunc(wait, func() {
		c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
	})
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.backoff.Store(int64(time.Second))
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(c.tlsCAFile))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the connection and the JetStream context
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}
	if res.err != nil {
		c.setStatus(StatusDisconnected)
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "create JetStream context")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url)
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// Close unsubscribes, drains the connection and releases credentials. It is
// safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe registers handler for subject. Each message gets a context derived
// from ctx and bounded by the handler timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	return c.subscribe(ctx, subject, "", handler)
}

// QueueSubscribe is Subscribe with a queue group, so each message reaches one member.
func (c *Client) QueueSubscribe(
	ctx context.Context, subject, queue string, handler func(context.Context, []byte),
) error {
	return c.subscribe(ctx, subject, queue, handler)
}

func (c *Client) subscribe(ctx context.Context, subject, queue string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	cb := func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe %s", subject))
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish %s", subject))
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

func (c *Client) ready() (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
		return c.JetStream()
	default:
		return nil, ErrNotConnected
	}
}

// CreateStream creates the stream or updates an existing one to cfg
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateStream", fmt.Sprintf("create stream %s", cfg.Name))
	}
	return stream, nil
}

// PublishToStream publishes to a JetStream stream and waits for the ack
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.ready()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish %s", subject))
	}
	return nil
}

// CreateKeyValueBucket returns the bucket named by cfg, creating it when missing
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.logger.Debug("Using existing KV bucket", "bucket", cfg.Bucket)
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// OnHealthChange sets a callback for health status changes
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) healthCallback() func(bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onHealthChange
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.logger.Info("Reconnected to NATS", "url", c.url)
	if fn := c.healthCallback(); fn != nil {
		go fn(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS error", "subject", subject, "error", err)
}

// isAlreadyExistsError checks if an error indicates a bucket or stream already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
