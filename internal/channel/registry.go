// Package channel holds the transport registry: one transport per channel
// type, looked up by the routing stage and the orchestrator's typing loop.
package channel

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/turn"
)

// Registry maps channel types to their registered transport. Implements
// turn.TransportResolver.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]turn.Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]turn.Transport)}
}

// Register adds (or replaces) the transport for its channel type.
func (r *Registry) Register(t turn.Transport) {
	r.mu.Lock()
	r.transports[t.ChannelType()] = t
	r.mu.Unlock()
	log.Info().Str("channel", t.ChannelType()).Msg("transport_registered")
}

// Transport implements turn.TransportResolver.
func (r *Registry) Transport(channelType string) (turn.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[channelType]
	return t, ok
}

// ChannelTypes returns the registered channel types.
func (r *Registry) ChannelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.transports))
	for ct := range r.transports {
		types = append(types, ct)
	}
	return types
}
