package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AddSourceAttributes merges a source descriptor into event data. A nil
// source returns data unchanged with no allocation. The caller's map is
// never mutated; a merged copy is returned.
func AddSourceAttributes(source *Source, data EventData) EventData {
	if source == nil {
		return data
	}

	merged := make(EventData, len(data)+4)
	for k, v := range data {
		merged[k] = v
	}

	merged["source.name"] = source.Name
	if source.CorrelationID != "" {
		merged["source.correlationId"] = source.CorrelationID
	}

	switch detail := source.Detail.(type) {
	case nil:
	case string:
		if detail != "" {
			merged["source.detail"] = detail
		}
	case map[string]interface{}:
		for k, v := range detail {
			merged["source.detail."+k] = v
		}
	case EventData:
		for k, v := range detail {
			merged["source.detail."+k] = v
		}
	}

	return merged
}

// StripNilAttributes returns a new map containing only entries whose value
// is non-nil. Nil in, nil out. Absence of a key means unset, never nil.
func StripNilAttributes(data EventData) EventData {
	if data == nil {
		return nil
	}
	stripped := make(EventData, len(data))
	for k, v := range data {
		if v != nil {
			stripped[k] = v
		}
	}
	return stripped
}

// assertEventData flags payload values outside the closed attribute domain.
// It is a development-time trap (DPanic panics only in development builds);
// in release the offending value is reported and later dropped at the
// provider boundary.
func assertEventData(logger *zap.Logger, data EventData) {
	if logger == nil {
		return
	}
	for k, v := range data {
		if v == nil {
			continue
		}
		switch v.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			logger.DPanic("telemetry event data value outside attribute domain",
				zap.String("key", k),
				zap.Any("value", v),
			)
		}
	}
}

// toAttributeKeyValues converts an attribute map to OTel attributes,
// dropping values outside the closed domain.
func toAttributeKeyValues(attrs map[string]interface{}) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if kv, ok := toAttributeKeyValue(k, v); ok {
			kvs = append(kvs, kv)
		}
	}
	return kvs
}

func toAttributeKeyValue(key string, value interface{}) (attribute.KeyValue, bool) {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v), true
	case bool:
		return attribute.Bool(key, v), true
	case int:
		return attribute.Int(key, v), true
	case int8:
		return attribute.Int64(key, int64(v)), true
	case int16:
		return attribute.Int64(key, int64(v)), true
	case int32:
		return attribute.Int64(key, int64(v)), true
	case int64:
		return attribute.Int64(key, v), true
	case uint:
		return attribute.Int64(key, int64(v)), true
	case uint8:
		return attribute.Int64(key, int64(v)), true
	case uint16:
		return attribute.Int64(key, int64(v)), true
	case uint32:
		return attribute.Int64(key, int64(v)), true
	case uint64:
		return attribute.Int64(key, int64(v)), true
	case float32:
		return attribute.Float64(key, float64(v)), true
	case float64:
		return attribute.Float64(key, v), true
	}
	return attribute.KeyValue{}, false
}
