package broker

import (
	"context"
	"sync"

	"switchboard/pkg/models"
)

// MemoryProducer records published envelopes. It backs tests and single-process runs.
type MemoryProducer struct {
	mu        sync.Mutex
	published map[string][]*models.Envelope
	err       error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{published: make(map[string][]*models.Envelope)}
}

// FailWith makes every subsequent Publish return err. Pass nil to recover.
func (p *MemoryProducer) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, env *models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published[topic] = append(p.published[topic], env)
	return nil
}

func (p *MemoryProducer) Published(topic string) []*models.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Envelope, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}

func (p *MemoryProducer) Close() error {
	return nil
}
