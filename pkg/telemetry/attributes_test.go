package telemetry

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func TestAddSourceAttributes_NilSource(t *testing.T) {
	data := EventData{"key": "value"}

	got := AddSourceAttributes(nil, data)

	// Identity, not a copy.
	assert.Equal(t, reflect.ValueOf(data).Pointer(), reflect.ValueOf(got).Pointer())
}

func TestAddSourceAttributes_NilSourceNilData(t *testing.T) {
	assert.Nil(t, AddSourceAttributes(nil, nil))
}

func TestAddSourceAttributes_MapDetail(t *testing.T) {
	source := &Source{Name: "x", Detail: map[string]interface{}{"y": 1}}

	got := AddSourceAttributes(source, EventData{})

	assert.Equal(t, EventData{
		"source.name":     "x",
		"source.detail.y": 1,
	}, got)
}

func TestAddSourceAttributes_StringDetailAndCorrelation(t *testing.T) {
	source := &Source{
		Name:          "completion",
		CorrelationID: "abc-123",
		Detail:        "inline",
	}

	got := AddSourceAttributes(source, EventData{"existing": true})

	assert.Equal(t, EventData{
		"existing":             true,
		"source.name":          "completion",
		"source.correlationId": "abc-123",
		"source.detail":        "inline",
	}, got)
}

func TestAddSourceAttributes_DoesNotMutateCaller(t *testing.T) {
	data := EventData{"a": 1}
	source := &Source{Name: "x"}

	_ = AddSourceAttributes(source, data)

	assert.Equal(t, EventData{"a": 1}, data)
}

func TestStripNilAttributes(t *testing.T) {
	got := StripNilAttributes(EventData{"a": 1, "b": nil})
	assert.Equal(t, EventData{"a": 1}, got)
}

func TestStripNilAttributes_Nil(t *testing.T) {
	assert.Nil(t, StripNilAttributes(nil))
}

func TestToAttributeKeyValues_ClosedDomain(t *testing.T) {
	kvs := toAttributeKeyValues(map[string]interface{}{
		"s": "str",
		"b": true,
		"i": 42,
		"f": 3.14,
		"x": struct{}{}, // outside the domain, dropped
	})

	byKey := map[string]attribute.Value{}
	for _, kv := range kvs {
		byKey[string(kv.Key)] = kv.Value
	}

	require.Len(t, kvs, 4)
	assert.Equal(t, "str", byKey["s"].AsString())
	assert.Equal(t, true, byKey["b"].AsBool())
	assert.Equal(t, int64(42), byKey["i"].AsInt64())
	assert.Equal(t, 3.14, byKey["f"].AsFloat64())
}

func TestToAttributeKeyValues_Empty(t *testing.T) {
	assert.Nil(t, toAttributeKeyValues(nil))
	assert.Nil(t, toAttributeKeyValues(map[string]interface{}{}))
}

func TestAssertEventData_AcceptsClosedDomain(t *testing.T) {
	logger := zap.NewNop()

	assert.NotPanics(t, func() {
		assertEventData(logger, nil)
		assertEventData(logger, EventData{"s": "v", "i": 1, "f": 1.5, "b": false, "nil": nil})
	})
}
