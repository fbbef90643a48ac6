package sourced_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	sourced "github.com/ismasan/sourced"
)

func TestNewGuard(t *testing.T) {
	conds := []sourced.Condition{{MessageType: "orders.created", KeyName: "order_id", KeyValue: "O1"}}
	g := sourced.NewGuard(conds, 42)

	assert.Equal(t, conds, g.Conditions)
	assert.Equal(t, int64(42), g.LastPosition)
}

func TestHandledDefaultsPartitionAttrsToEmpty(t *testing.T) {
	desc := sourced.Handled("orders.cancelled")
	assert.Equal(t, "orders.cancelled", desc.Type)
	assert.Empty(t, desc.PartitionAttrs)
}
