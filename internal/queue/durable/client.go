// Package durable implements the key/value-store queue core. All state lives
// in an external store addressed through raw commands: message bodies as JSON
// strings, the pending and delayed pools as sorted sets, counters as a hash.
// The same core drives both the direct client connection and the HTTP REST
// proxy, so the two transports cannot drift apart in key scheme or semantics.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// CommandClient executes store commands. Implementations exist for a direct
// connection (redisclient) and for an HTTP command proxy (restclient).
type CommandClient interface {
	// Do executes one command, e.g. Do(ctx, "GET", key).
	Do(ctx context.Context, args ...interface{}) (interface{}, error)
	// Pipeline executes commands in order on one round trip and returns one
	// reply per command.
	Pipeline(ctx context.Context, cmds [][]interface{}) ([]interface{}, error)
	// Close releases the underlying connection.
	Close() error
}

// ErrNilReply marks a reply for a key that does not exist.
var ErrNilReply = fmt.Errorf("durable: nil reply")

// ReplyInt coerces a command reply to int64.
func ReplyInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, ErrNilReply
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case json.Number:
		return x.Int64()
	}
	return 0, fmt.Errorf("durable: reply %T is not an integer", v)
}

// ReplyString coerces a command reply to string. Nil replies (missing keys)
// return ErrNilReply.
func ReplyString(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", ErrNilReply
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	}
	return "", fmt.Errorf("durable: reply %T is not a string", v)
}

// ReplyStrings coerces an array reply to []string.
func ReplyStrings(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("durable: reply %T is not an array", v)
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, err := ReplyString(e)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReplyMap coerces a hash reply to map[string]string. Direct connections may
// return a map, the REST proxy returns a flat field/value array; both shapes
// are accepted.
func ReplyMap(v interface{}) (map[string]string, error) {
	switch x := v.(type) {
	case nil:
		return map[string]string{}, nil
	case map[string]string:
		return x, nil
	case map[string]interface{}:
		out := make(map[string]string, len(x))
		for k, e := range x {
			s, err := ReplyString(e)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]string, len(x))
		for k, e := range x {
			ks, err := ReplyString(k)
			if err != nil {
				return nil, err
			}
			s, err := ReplyString(e)
			if err != nil {
				return nil, err
			}
			out[ks] = s
		}
		return out, nil
	case []interface{}:
		if len(x)%2 != 0 {
			return nil, fmt.Errorf("durable: odd hash reply length %d", len(x))
		}
		out := make(map[string]string, len(x)/2)
		for i := 0; i < len(x); i += 2 {
			k, err := ReplyString(x[i])
			if err != nil {
				return nil, err
			}
			s, err := ReplyString(x[i+1])
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("durable: reply %T is not a hash", v)
}
