package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	t Type
}

func (s stubAdapter) Type() Type { return s.t }

type stubDeliverer struct {
	stubAdapter
}

func (s stubDeliverer) Deliver(ctx context.Context, ep Endpoint, msg OutboundMessage) (DeliveryResult, error) {
	return DeliveryResult{MessageID: "m1"}, nil
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stubAdapter{t: TypeCloudMsg})

	a, err := r.Get(TypeCloudMsg)
	require.NoError(t, err)
	assert.Equal(t, TypeCloudMsg, a.Type())

	_, err = r.Get(TypeMarket)
	assert.Error(t, err)
}

func TestRegistryDeliverer(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDeliverer{stubAdapter{t: TypeHostedGw}})
	r.Register(stubAdapter{t: TypeCloudMsg})

	d, err := r.Deliverer(TypeHostedGw)
	require.NoError(t, err)
	res, err := d.Deliver(context.Background(), Endpoint{}, OutboundMessage{})
	require.NoError(t, err)
	assert.Equal(t, "m1", res.MessageID)

	_, err = r.Deliverer(TypeCloudMsg)
	assert.ErrorIs(t, err, ErrDeliveryUnsupported)
}

func TestParseType(t *testing.T) {
	got, err := ParseType(" CloudMsg ")
	require.NoError(t, err)
	assert.Equal(t, TypeCloudMsg, got)

	_, err = ParseType("smoke-signal")
	assert.Error(t, err)
}
