package channel

import (
	"context"
	"errors"
)

// ErrDeliveryUnsupported is returned when an adapter cannot deliver the
// given outbound message shape.
var ErrDeliveryUnsupported = errors.New("channel delivery not supported")

// Adapter is the base interface every channel adapter implements.
type Adapter interface {
	Type() Type
}

// Normalizer turns a raw webhook payload into the common inbound shape.
// A single payload may carry several messages.
type Normalizer interface {
	Normalize(raw []byte, endpoint Endpoint) ([]InboundMessage, error)
}

// Deliverer sends an outbound message to a channel peer.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint Endpoint, msg OutboundMessage) (DeliveryResult, error)
}

// MediaFetcher resolves channel media referenced only by id into bytes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, endpoint Endpoint, mediaID string) (Attachment, error)
}
