package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Subject string
	Data    []byte
}

// MockPublisher records publishes in memory and delivers them to
// subscribers whose subject pattern matches, using NATS wildcard rules.
// It matches the Publish and Subscribe signatures of natsclient.Client.
type MockPublisher struct {
	mu       sync.RWMutex
	messages []Message
	subs     map[string][]func(context.Context, []byte)
	failWith error
	closed   bool
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{subs: make(map[string][]func(context.Context, []byte))}
}

// Publish records data on subject and runs matching subscribers outside
// the lock.
func (p *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher is closed")
	}
	if p.failWith != nil {
		err := p.failWith
		p.mu.Unlock()
		return err
	}

	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	var handlers []func(context.Context, []byte)
	for pattern, hs := range p.subs {
		if SubjectMatches(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

// Subscribe registers handler for a subject pattern.
func (p *MockPublisher) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	p.subs[subject] = append(p.subs[subject], handler)
	return nil
}

// Fail makes every later Publish return err. A nil err restores success.
func (p *MockPublisher) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Messages returns every recorded publish in order.
func (p *MockPublisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Subjects returns the subject of every recorded publish in order.
func (p *MockPublisher) Subjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	subjects := make([]string, len(p.messages))
	for i, m := range p.messages {
		subjects[i] = m.Subject
	}
	return subjects
}

// Clear forgets recorded messages.
func (p *MockPublisher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

// Close rejects later calls.
func (p *MockPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SubjectMatches reports whether subject matches a NATS pattern where "*"
// matches one token and a trailing ">" matches the rest.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}
