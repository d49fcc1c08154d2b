package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
}

func TestJSONHandlerDecodes(t *testing.T) {
	var got sample
	h := JSONHandler(func(_ context.Context, v sample) error {
		got = v
		return nil
	})
	err := h(context.Background(), amqp.Delivery{Body: []byte(`{"name":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
}

func TestJSONHandlerPoisonOnBadPayload(t *testing.T) {
	h := JSONHandler(func(_ context.Context, _ sample) error {
		t.Fatal("handler must not run on malformed payload")
		return nil
	})
	err := h(context.Background(), amqp.Delivery{Body: []byte(`{broken`)})
	assert.ErrorIs(t, err, ErrPoison)
}

func TestJSONHandlerPropagatesHandlerError(t *testing.T) {
	want := errors.New("boom")
	h := JSONHandler(func(_ context.Context, _ sample) error { return want })
	err := h(context.Background(), amqp.Delivery{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, want)
}

func TestDeathCount(t *testing.T) {
	d := amqp.Delivery{Headers: amqp.Table{
		"x-death": []any{
			amqp.Table{"queue": "other", "count": int64(7)},
			amqp.Table{"queue": "tasks", "count": int64(3)},
		},
	}}
	assert.Equal(t, 3, deathCount(d, "tasks"))
	assert.Equal(t, 0, deathCount(amqp.Delivery{}, "tasks"))
}
