package sourced_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
)

type orderCreatedPayload struct {
	OrderID string `json:"order_id"`
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := sourced.NewJSONCodec()
	codec.Register("orders.created", func() any { return &orderCreatedPayload{} })

	data, err := codec.Encode(orderCreatedPayload{OrderID: "O1"})
	require.NoError(t, err)

	decoded, err := codec.Decode("orders.created", data)
	require.NoError(t, err)

	payload, ok := decoded.(*orderCreatedPayload)
	require.True(t, ok)
	assert.Equal(t, "O1", payload.OrderID)
}

func TestJSONCodecDecodeUnknownType(t *testing.T) {
	codec := sourced.NewJSONCodec()

	_, err := codec.Decode("orders.unknown", []byte(`{}`))
	require.Error(t, err)

	var unknown *sourced.UnknownMessageError
	assert.ErrorAs(t, err, &unknown)
}

func TestJSONCodecDecodeInvalidPayload(t *testing.T) {
	codec := sourced.NewJSONCodec()
	codec.Register("orders.created", func() any { return &orderCreatedPayload{} })

	_, err := codec.Decode("orders.created", []byte(`not-json`))
	require.Error(t, err)

	var invalid *sourced.InvalidMessageError
	assert.ErrorAs(t, err, &invalid)
}
