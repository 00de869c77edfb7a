// Package memory contains in-memory publisher implementations for tests and
// dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// StatusEvents returns the payloads that are snapshot status events, in order.
func (p *Publisher) StatusEvents() []archive.StatusEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []archive.StatusEvent
	for _, msg := range p.messages {
		if evt, ok := msg.Payload.(archive.StatusEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}
