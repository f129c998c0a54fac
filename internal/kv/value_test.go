package kv_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentic-substrate/storecore/internal/kv"
)

func Test_Value_Equal_NaN(t *testing.T) {
	t.Parallel()

	nan := kv.FloatValue(math.NaN())
	assert.True(t, nan.Equal(nan))
	assert.False(t, nan.Equal(kv.FloatValue(0)))
}

func Test_Value_Equal_Nested(t *testing.T) {
	t.Parallel()

	a := kv.ObjectValue(map[string]kv.Value{
		"items": kv.ArrayValue([]kv.Value{kv.IntValue(1), kv.StringValue("x")}),
	})
	b := kv.ObjectValue(map[string]kv.Value{
		"items": kv.ArrayValue([]kv.Value{kv.IntValue(1), kv.StringValue("x")}),
	})
	c := kv.ObjectValue(map[string]kv.Value{
		"items": kv.ArrayValue([]kv.Value{kv.IntValue(1), kv.StringValue("y")}),
	})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func Test_Value_Equal_DifferentKinds(t *testing.T) {
	t.Parallel()

	assert.False(t, kv.IntValue(1).Equal(kv.FloatValue(1)))
	assert.True(t, kv.Null().Equal(kv.Null()))
}
