// Package json_util provides JSON utilities including a raw passthrough type
// for opaque panel setting blobs.
package json_util

import (
	"errors"
)

// RawMessage is a raw JSON value that marshals empty slices as "null".
// Inbound settings, streamSettings and sniffing blobs pass through it
// untouched.
type RawMessage []byte

func (m RawMessage) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *RawMessage) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errors.New("json.RawMessage: UnmarshalJSON on nil pointer")
	}
	*m = append((*m)[0:0], data...)
	return nil
}
