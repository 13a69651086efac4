// Package wire converts agent messages between their JSON-tagged Go types
// and google.protobuf.Struct, the payload both agent transports carry.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Decode reads a strict JSON document into v. Unknown fields are rejected
// and an empty body leaves v untouched.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ToStruct encodes v as a Struct. The JSON field names double as the
// Struct keys.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%T does not encode as an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v with the same strictness as Decode.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return Decode(bytes.NewReader(raw), v)
}
