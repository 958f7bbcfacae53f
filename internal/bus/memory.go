package bus

import (
	"context"
	"sync"
)

// MemoryBus connects the nodes of a single process. Envelopes are copied
// through their JSON encoding so subscribers see exactly what a network bus
// would deliver.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan []byte)}
}

func (m *MemoryBus) Publish(_ context.Context, e Envelope) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- b:
		default:
			// slow subscriber; drop like a pub/sub server would
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return context.Canceled
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-ch:
				e, err := decode(b)
				if err != nil {
					continue
				}
				h(ctx, e)
			}
		}
	}()
	return nil
}

func (m *MemoryBus) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
