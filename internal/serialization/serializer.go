// Package serialization is the job argument codec (spec §4.A: "args is
// stored as an array; handler-specific decoding happens at dispatch
// time"). It is adapted from the teacher's internal/serialization,
// which format-prefixed a payload as JSON or Protobuf; the Protobuf
// branch is dropped here (no concrete .pb.go message types were part
// of the retrieved teacher snapshot — see DESIGN.md), leaving a plain
// JSON-array codec with the teacher's error taxonomy shape.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMarshalFailed is returned when an argument fails to marshal.
var ErrMarshalFailed = errors.New("failed to marshal argument")

// ErrUnmarshalFailed is returned when an argument fails to unmarshal.
var ErrUnmarshalFailed = errors.New("failed to unmarshal argument")

// ArgsCodec encodes submission-side Go values into the job record's
// args array and decodes that array back into handler-specific types.
type ArgsCodec struct{}

// NewArgsCodec returns the JSON argument codec.
func NewArgsCodec() *ArgsCodec {
	return &ArgsCodec{}
}

// EncodeArgs marshals each value into the job record's ordered args
// array (spec §3 args field).
func (c *ArgsCodec) EncodeArgs(values []any) ([]json.RawMessage, error) {
	encoded := make([]json.RawMessage, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrMarshalFailed, i, err)
		}
		encoded[i] = data
	}
	return encoded, nil
}

// DecodeArg unmarshals the args array's element at index into v. Used
// by handlers whose decode step needs more than one positional
// argument (RegisterTyped in internal/worker only decodes args[0]).
func (c *ArgsCodec) DecodeArg(args []json.RawMessage, index int, v any) error {
	if index >= len(args) {
		return fmt.Errorf("%w: argument index %d out of range (got %d args)", ErrUnmarshalFailed, index, len(args))
	}
	if err := json.Unmarshal(args[index], v); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrUnmarshalFailed, index, err)
	}
	return nil
}
