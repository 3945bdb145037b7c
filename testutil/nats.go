package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockNATSClient is an in-memory NATS client for core pub/sub. Subscriptions
// accept the "*" and ">" wildcards. Handlers run synchronously on the
// publishing goroutine.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions []subscription
	publishErr    error
	closed        bool
}

type subscription struct {
	pattern string
	handler func(context.Context, []byte)
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{messages: make(map[string][][]byte)}
}

// Publish records data and delivers it to matching subscriptions.
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.messages[subject] = append(c.messages[subject], data)

	var handlers []func(context.Context, []byte)
	for _, sub := range c.subscriptions {
		if SubjectMatches(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (c *MockNATSClient) Subscribe(ctx context.Context, pattern string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.subscriptions = append(c.subscriptions, subscription{pattern: pattern, handler: handler})
	return nil
}

// QueueSubscribe behaves like Subscribe; a single mock client is the only queue member.
func (c *MockNATSClient) QueueSubscribe(
	ctx context.Context, pattern, _ string, handler func(context.Context, []byte),
) error {
	return c.Subscribe(ctx, pattern, handler)
}

// FailPublish makes every later Publish return err. A nil err restores delivery.
func (c *MockNATSClient) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// GetMessages returns a copy of the messages published on subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// MessagesMatching returns the messages of every subject matching pattern.
// Ordering is per subject only.
func (c *MockNATSClient) MessagesMatching(pattern string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out [][]byte
	for subject, msgs := range c.messages {
		if SubjectMatches(pattern, subject) {
			out = append(out, msgs...)
		}
	}
	return out
}

// GetMessageCount returns the number of messages on a subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// Close closes the mock client.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SubjectMatches reports whether subject matches a NATS subscription pattern.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// WaitForMessageCount waits until subject has at least count messages.
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if client.GetMessageCount(subject) >= count {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)",
				count, subject, client.GetMessageCount(subject))
		case <-ticker.C:
		}
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		case <-ticker.C:
		}
	}
}
