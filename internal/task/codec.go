package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCodec marks serialize/deserialize failures so a bad payload never
// masquerades as a store fault. Match with errors.Is.
var ErrCodec = errors.New("codec failure")

// Codec converts a task payload to and from its persisted byte form.
// Deserialize(Serialize(x)) must yield a value equivalent to x.
type Codec interface {
	Serialize(data any) ([]byte, error)
	Deserialize(b []byte) (any, error)
}

// JSON returns a codec that round-trips values of type T through
// encoding/json.
func JSON[T any]() Codec { return jsonCodec[T]{} }

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Serialize(data any) ([]byte, error) {
	v, ok := data.(T)
	if !ok {
		var want T
		return nil, fmt.Errorf("%w: expected %T payload, got %T", ErrCodec, want, data)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return b, nil
}

func (jsonCodec[T]) Deserialize(b []byte) (any, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return v, nil
}

// NoData returns the codec for payload-less tasks: zero bytes out, nil in.
func NoData() Codec { return noDataCodec{} }

type noDataCodec struct{}

func (noDataCodec) Serialize(data any) ([]byte, error) {
	if data != nil {
		return nil, fmt.Errorf("%w: task takes no payload, got %T", ErrCodec, data)
	}
	return nil, nil
}

func (noDataCodec) Deserialize(b []byte) (any, error) {
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: task takes no payload, got %d bytes", ErrCodec, len(b))
	}
	return nil, nil
}
