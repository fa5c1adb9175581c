package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

type placeOrder struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func (placeOrder) MessageType() string { return "orders.PlaceOrder" }

type untagged struct {
	Name string `json:"name"`
}

func TestTypeOf(t *testing.T) {
	tag, err := TypeOf(placeOrder{})
	require.NoError(t, err)
	assert.Equal(t, "orders.PlaceOrder", tag)

	tag, err = TypeOf(&structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, "google.protobuf.Struct", tag)

	_, err = TypeOf(untagged{})
	assert.ErrorIs(t, err, errspkg.ErrTypeTagRequired)

	_, err = TypeOf(nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
}

func TestJSONRoundTrip(t *testing.T) {
	payload, name, tag, err := Encode(placeOrder{OrderID: "o-1", Amount: 3})
	require.NoError(t, err)
	assert.Equal(t, JSONName, name)
	assert.Equal(t, "orders.PlaceOrder", tag)

	c, err := ByName(name)
	require.NoError(t, err)

	var out placeOrder
	require.NoError(t, c.Unmarshal(payload, &out))
	assert.Equal(t, placeOrder{OrderID: "o-1", Amount: 3}, out)
}

func TestProtoRoundTrip(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"sku": "abc"})
	require.NoError(t, err)

	payload, name, _, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, ProtoName, name)

	c, err := ByName(name)
	require.NoError(t, err)

	out := &structpb.Struct{}
	require.NoError(t, c.Unmarshal(payload, out))
	assert.Equal(t, "abc", out.Fields["sku"].GetStringValue())

	_, err = Proto.Marshal(placeOrder{})
	assert.Error(t, err)
}

func TestByNameUnknown(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, JSON, c)

	_, err = ByName("xml")
	assert.ErrorIs(t, err, errspkg.ErrUnknownCodec)
}
