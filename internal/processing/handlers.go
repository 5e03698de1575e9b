package processing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatwire/courier/internal/models"
)

// InboundMessageHandler adapts ProcessInboundMessage to a raw-payload
// dispatcher handler. Decode failures are unprocessable, not retryable.
func (s *Service) InboundMessageHandler() func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		var event models.InboundMessageEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return fmt.Errorf("%w: decode inbound message event: %v", models.ErrUnprocessable, err)
		}
		return s.ProcessInboundMessage(ctx, event)
	}
}

// DeliveryStatusHandler adapts ProcessDeliveryStatusUpdate the same way.
func (s *Service) DeliveryStatusHandler() func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		var event models.DeliveryStatusEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return fmt.Errorf("%w: decode delivery status event: %v", models.ErrUnprocessable, err)
		}
		return s.ProcessDeliveryStatusUpdate(ctx, event)
	}
}
