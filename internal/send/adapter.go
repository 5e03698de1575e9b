package send

import (
	"context"
	"errors"

	"github.com/chatwire/courier/internal/models"
)

// ErrAccountNotFound is returned by a channel adapter when the account has no
// provisioned account on that channel.
var ErrAccountNotFound = errors.New("channel account not found")

// AdapterRequest is the hand-off from the orchestrator to a channel adapter.
type AdapterRequest struct {
	DeliveryRequestID string
	AccountID         string
	ConversationRef   models.ConversationRef
	ClientMessageID   string
	Kind              models.MessageKind
	Content           models.Content
}

// ChannelAdapter is the external collaborator that carries an accepted
// outbound message to its provider. Implementations live outside this module;
// the orchestrator only requires fire-and-forget acceptance, confirmation
// arrives later as a delivery status event.
type ChannelAdapter interface {
	Channel() models.Channel
	Send(ctx context.Context, req AdapterRequest) error
}

// AdapterRegistry resolves the adapter for a channel.
type AdapterRegistry struct {
	adapters map[models.Channel]ChannelAdapter
}

// NewAdapterRegistry indexes the given adapters by channel.
func NewAdapterRegistry(adapters ...ChannelAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: make(map[models.Channel]ChannelAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// Lookup returns the adapter for the channel, or nil.
func (r *AdapterRegistry) Lookup(channel models.Channel) ChannelAdapter {
	return r.adapters[channel]
}
