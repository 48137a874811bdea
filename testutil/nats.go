package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// MockPublisher is an in-memory stand-in for natsclient.Client.Publish.
// Thread-safe for concurrent use.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	closed   bool
	FailWith error
}

// NewMockPublisher creates an empty publisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject
func (c *MockPublisher) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.FailWith != nil {
		return c.FailWith
	}
	c.messages[subject] = append(c.messages[subject], append([]byte(nil), data...))
	return nil
}

// GetMessages returns a copy of the messages published on subject
func (c *MockPublisher) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// Subjects returns every subject that received a message, sorted
func (c *MockPublisher) Subjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subjects := make([]string, 0, len(c.messages))
	for s := range c.messages {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Close closes the publisher
func (c *MockPublisher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// WaitForMessageCount waits for count messages on subject
func WaitForMessageCount(t *testing.T, client *MockPublisher, subject string, count int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(client.GetMessages(subject)) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages on subject %s (got %d)",
		count, subject, len(client.GetMessages(subject)))
}
