package sender

import (
	"context"
	"fmt"

	"github.com/studentbridge/delivery-engine/internal/domain"
)

// ChannelSender is the outbound delivery port, one implementation per
// channel. The engine never builds provider-specific requests itself.
type ChannelSender interface {
	Send(ctx context.Context, record domain.DeliveryRecord) (*SendResult, error)
}

// SendResult stores sender call metadata for audit and persistence.
type SendResult struct {
	StatusCode int
	Body       string
	ExternalID string
}

// Registry resolves the sender for a channel.
type Registry struct {
	senders map[domain.Channel]ChannelSender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]ChannelSender)}
}

func (r *Registry) Register(channel domain.Channel, s ChannelSender) {
	if s == nil {
		return
	}
	r.senders[channel] = s
}

func (r *Registry) Resolve(channel domain.Channel) (ChannelSender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", channel)
	}
	return s, nil
}
