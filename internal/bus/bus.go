// Package bus is the in-process event bus carrying encode_event from
// the digest pipeline to the memory-chunker enqueuer.
package bus

import (
	"sync"

	"github.com/chalie-ai/chalie/internal/logging"
	"github.com/chalie-ai/chalie/internal/types"
)

// EncodeHandler receives one encode_event
type EncodeHandler func(ev types.EncodeEvent)

// Bus is a synchronous publish/subscribe hub
type Bus struct {
	mu       sync.RWMutex
	handlers []EncodeHandler
}

// New creates an empty bus
func New() *Bus {
	return &Bus{}
}

// SubscribeEncode registers a handler for encode_event
func (b *Bus) SubscribeEncode(h EncodeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// PublishEncode delivers the event to every subscriber, in order,
// synchronously. A panicking subscriber is isolated.
func (b *Bus) PublishEncode(ev types.EncodeEvent) {
	b.mu.RLock()
	handlers := make([]EncodeHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("bus", "encode_event handler panic: %v", r)
				}
			}()
			h(ev)
		}()
	}
}
