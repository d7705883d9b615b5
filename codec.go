// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package epc

import (
	"encoding/json"
)

// Codec encodes/decodes structured wrapper payloads. Wrapper argument and
// result bytes are opaque to the protocol core; a codec is only applied by
// code that owns both ends of a payload, such as the built-in operations.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used by the built-in operations and the setup message
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}
