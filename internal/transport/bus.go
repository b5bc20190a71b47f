package transport

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes one inbound event. Handlers run on the read loop and must
// return quickly.
type Handler func(Envelope)

// bus fans inbound events out to every subscriber of an event kind. Multiple
// components subscribe to the same kind without overwriting each other.
type bus struct {
	mu   sync.RWMutex
	subs map[EventKind][]Handler
	log  zerolog.Logger
}

func newBus(logger zerolog.Logger) *bus {
	return &bus{
		subs: make(map[EventKind][]Handler),
		log:  logger.With().Str("component", "transport_bus").Logger(),
	}
}

func (b *bus) subscribe(kind EventKind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], handler)
}

func (b *bus) publish(env Envelope) {
	b.mu.RLock()
	handlers := b.subs[env.Kind]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug().Str("event", string(env.Kind)).Msg("no subscribers for inbound event")
		return
	}

	for _, handler := range handlers {
		handler(env)
	}
}
