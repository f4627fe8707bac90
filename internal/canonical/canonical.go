// Package canonical turns function arguments into deterministic strings.
//
// Two logically equal argument values always produce the same encoding,
// regardless of map construction order or struct-vs-map representation,
// so the encoding can key subscriptions and the query cache.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickgao/livesync/internal/errs"
)

// Serializer encodes arguments canonically and decodes results.
type Serializer interface {
	// Encode returns the canonical JSON form of args.
	Encode(args any) (string, error)

	// EncodeValue marshals a value written into the local cache.
	EncodeValue(value any) (json.RawMessage, error)

	// Decode unmarshals raw into target.
	Decode(raw json.RawMessage, target any) error
}

// JSON is the default Serializer. Object keys are emitted in sorted order
// and numbers keep their literal form.
type JSON struct{}

// Encode marshals args, re-parses the result into generic values and
// marshals again, which sorts every object's keys. Nil args encode as "{}".
func (JSON) Encode(args any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	if raw, ok := args.(json.RawMessage); ok && len(raw) == 0 {
		return "{}", nil
	}

	first, err := json.Marshal(args)
	if err != nil {
		return "", &errs.SerializationError{Op: "encode args", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", &errs.SerializationError{Op: "encode args", Err: err}
	}
	if generic == nil {
		return "{}", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return "", &errs.SerializationError{Op: "encode args", Err: err}
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// EncodeValue marshals value as is. Unlike Encode, nil is "null".
func (JSON) EncodeValue(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &errs.SerializationError{Op: "encode value", Err: err}
	}
	return raw, nil
}

// Decode unmarshals raw into target.
func (JSON) Decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &errs.SerializationError{Op: "decode result", Err: err}
	}
	return nil
}

// Key builds the cache and subscription key for a function call. Calls
// without arguments are keyed by the bare function name.
func Key(function, encodedArgs string) string {
	if encodedArgs == "" || encodedArgs == "{}" || encodedArgs == "null" {
		return function
	}
	return function + "(" + encodedArgs + ")"
}

// FunctionOf returns the function-name portion of a key built by Key.
func FunctionOf(key string) string {
	if i := strings.IndexByte(key, '('); i >= 0 && strings.HasSuffix(key, ")") {
		return key[:i]
	}
	return key
}

// Call is a function invocation with its canonical encoding.
type Call struct {
	Function string
	Args     json.RawMessage
	Key      string
}

// NewCall encodes args with s and builds the call's key.
func NewCall(s Serializer, function string, args any) (Call, error) {
	if function == "" {
		return Call{}, &errs.SerializationError{Op: "encode call", Err: fmt.Errorf("empty function name")}
	}
	encoded, err := s.Encode(args)
	if err != nil {
		return Call{}, err
	}
	return Call{
		Function: function,
		Args:     json.RawMessage(encoded),
		Key:      Key(function, encoded),
	}, nil
}
