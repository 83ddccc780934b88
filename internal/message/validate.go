package message

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ValidatePayload accepts any JSON-serializable value (objects, slices,
// primitives, nil) and rejects values that cannot cross a transport boundary:
// functions, channels, and cyclic structures.
func ValidatePayload(payload interface{}) error {
	if payload == nil {
		return nil
	}
	switch reflect.TypeOf(payload).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("message: payload kind %s is not serializable", reflect.TypeOf(payload).Kind())
	}
	// encoding/json detects cycles and unsupported nested values.
	if _, err := json.Marshal(payload); err != nil {
		return fmt.Errorf("message: payload not serializable: %w", err)
	}
	return nil
}
