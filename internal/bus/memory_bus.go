package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

// MemoryBus is an in-process bus used by tests and the "memory" bus mode.
// Delivery is asynchronous on a single goroutine so publishers never re-enter
// their own handlers.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Message
	once     sync.Once
	done     chan struct{}
	closed   bool
	logger   zerolog.Logger
}

const memoryQueueLen = 256

func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		queue:  make(chan Message, memoryQueueLen),
		done:   make(chan struct{}),
		logger: log.WithComponent("bus"),
	}
	go b.deliver()
	return b
}

func (b *MemoryBus) Publish(topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrNotConnected
	}
	select {
	case b.queue <- Message{Topic: topic, Payload: data}:
		metrics.IncBus("out", "ok")
		return nil
	default:
		metrics.IncBus("out", "dropped")
		b.logger.Warn().Str(log.FieldTopic, topic).Msg("memory bus queue full, dropping message")
		return nil
	}
}

func (b *MemoryBus) OnMessage(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Close stops delivery. Messages still queued are discarded.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
		<-b.done
	})
}

func (b *MemoryBus) deliver() {
	defer close(b.done)
	for msg := range b.queue {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.RUnlock()
		for _, h := range handlers {
			dispatch(&b.logger, h, msg)
		}
	}
}

func dispatch(logger *zerolog.Logger, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str(log.FieldTopic, msg.Topic).Msg("bus handler panicked")
		}
	}()
	h(msg)
}

var _ Client = (*MemoryBus)(nil)
