package handlers

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// DecodeFunc turns a raw payload into a value of T.
type DecodeFunc[T any] func(payload []byte) (T, error)

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// NewDecoder returns the decoder used for payloads of type T. Protobuf
// messages are read as protojson, everything else as JSON. T may be a
// pointer or a value type; interface types are rejected because there is
// nothing to allocate.
func NewDecoder[T any]() (DecodeFunc[T], error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		return nil, fmt.Errorf("%w: %s is an interface", errspkg.ErrMessageTypeRequired, typ)
	}

	if typ.Kind() != reflect.Pointer {
		return func(payload []byte) (T, error) {
			var value T
			if err := unmarshal(payload, &value); err != nil {
				return value, err
			}
			return value, nil
		}, nil
	}

	elem := typ.Elem()
	return func(payload []byte) (T, error) {
		target := reflect.New(elem).Interface()
		if err := unmarshal(payload, target); err != nil {
			var zero T
			return zero, err
		}
		return target.(T), nil
	}, nil
}

func unmarshal(payload []byte, target any) error {
	if msg, ok := target.(proto.Message); ok {
		if err := protoUnmarshal.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("failed to unmarshal protojson payload: %w", err)
		}
		return nil
	}
	if err := jsoncodec.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return nil
}

// Encode serialises msg with the codec NewDecoder expects on the way back in.
func Encode(msg any) ([]byte, error) {
	if msg == nil || isNilPointer(msg) {
		return nil, errspkg.ErrMessageRequired
	}
	if pm, ok := msg.(proto.Message); ok {
		return protojson.Marshal(pm)
	}
	return jsoncodec.Marshal(msg)
}

func isNilPointer(v any) bool {
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return val.IsNil()
	default:
		return false
	}
}
