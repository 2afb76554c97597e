package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/itchyny/gojq"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

// isStruct returns true if the value is a struct or a pointer to a struct
func isStruct(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Struct {
		return true
	}
	return t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct
}

// containsStructs returns true if the value is a slice or array of structs
func containsStructs(v any) bool {
	if v == nil {
		return false
	}

	t := reflect.TypeOf(v)
	if t.Kind() != reflect.Slice && t.Kind() != reflect.Array {
		return false
	}

	elemType := t.Elem()
	if elemType.Kind() == reflect.Struct {
		return true
	}
	return elemType.Kind() == reflect.Ptr && elemType.Elem().Kind() == reflect.Struct
}

// jqInput converts a payload into the plain values gojq operates on.
func jqInput(payload any) (any, error) {
	switch p := payload.(type) {
	case string:
		var v any
		if err := json.Unmarshal([]byte(p), &v); err != nil {
			return p, nil
		}
		return v, nil
	case []byte:
		var v any
		if err := json.Unmarshal(p, &v); err != nil {
			return string(p), nil
		}
		return v, nil
	case cty.Value:
		return go2cty2go.CtyToAny(p)
	}

	if !isStruct(payload) && !containsStructs(payload) {
		return payload, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", payload, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", payload, err)
	}
	return v, nil
}

// JqTransform creates an EventTransformFunc that runs a JQ query over event
// payloads.
//
// The query has access to the following variables:
//   - $topic: The command topic as a string
//   - $origin: true when the command was caused by this client
//
// If the query produces multiple results they are collected into an array.
// If it produces no results the event is dropped, so "select(...)" filters
// work as expected. Runtime errors are logged and the event passes through
// unchanged.
//
// Example usage:
//
//	nodeIDs, err := JqTransform(".node.id // .id", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	onlyOthers, err := JqTransform("select($origin | not)", logger)
func JqTransform(jqQuery string, logger *zap.Logger) (EventTransformFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	compiledQuery, err := gojq.Compile(query, gojq.WithVariables([]string{"$topic", "$origin"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	return func(ev *Event) (*Event, bool) {
		input, err := jqInput(ev.Payload)
		if err != nil {
			logger.Error("JQ transform: failed to convert payload",
				zap.String("jq_query", jqQuery),
				zap.String("topic", ev.Topic),
				zap.String("payload_type", fmt.Sprintf("%T", ev.Payload)),
				zap.Error(err))
			return ev, true
		}

		// Variable values follow the order given to WithVariables.
		iter := compiledQuery.RunWithContext(context.Background(), input, ev.Topic, ev.IsOrigin)

		var results []any
		for {
			result, hasResult := iter.Next()
			if !hasResult {
				break
			}

			if execErr, ok := result.(error); ok {
				logger.Error("JQ transform: JQ execution error",
					zap.String("jq_query", jqQuery),
					zap.String("topic", ev.Topic),
					zap.Error(execErr))
				return ev, true
			}

			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		var newPayload any
		if len(results) == 1 {
			newPayload = results[0]
		} else {
			newPayload = results
		}

		return &Event{
			Topic:    ev.Topic,
			OriginID: ev.OriginID,
			IsOrigin: ev.IsOrigin,
			Payload:  newPayload,
		}, true
	}, nil
}
