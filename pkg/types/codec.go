package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/api/equality"
)

// Codec validates a kind's spec and decides semantic equality. The API
// server uses Equal to turn updates that change nothing into no-ops.
type Codec interface {
	Validate(spec json.RawMessage) error
	Equal(a, b json.RawMessage) bool
}

// Validator is implemented by spec types with constraints beyond their
// JSON shape, such as value ranges and required fields.
type Validator interface {
	Validate() error
}

// JSONCodec decodes specs strictly into T
type JSONCodec[T any] struct{}

// Validate rejects specs that do not decode into T or carry unknown fields.
// When T implements Validator the decoded value must also pass Validate.
func (JSONCodec[T]) Validate(spec json.RawMessage) error {
	v, err := decodeStrict[T](spec)
	if err != nil {
		return err
	}
	if val, ok := any(*v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("invalid spec: %w", err)
		}
	}
	return nil
}

// Equal compares the decoded specs semantically
func (JSONCodec[T]) Equal(a, b json.RawMessage) bool {
	va, errA := decodeStrict[T](a)
	vb, errB := decodeStrict[T](b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return equality.Semantic.DeepEqual(va, vb)
}

func decodeStrict[T any](spec json.RawMessage) (*T, error) {
	var v T
	if len(spec) == 0 {
		return &v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(spec))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return &v, nil
}

// RawCodec accepts any JSON object and compares structurally, ignoring key
// order and formatting.
type RawCodec struct{}

func (RawCodec) Validate(spec json.RawMessage) error {
	if len(spec) == 0 {
		return nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal(spec, &v); err != nil {
		return fmt.Errorf("invalid spec: %w", err)
	}
	return nil
}

func (RawCodec) Equal(a, b json.RawMessage) bool {
	var va, vb interface{}
	if err := json.Unmarshal(orEmpty(a), &va); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(orEmpty(b), &vb); err != nil {
		return false
	}
	return equality.Semantic.DeepEqual(va, vb)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Registry maps every kind to its codec
type Registry struct {
	codecs map[Kind]Codec
}

// NewRegistry returns a registry with RawCodec for every built-in kind
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Kind]Codec)}
	for k := range builtinKinds {
		r.codecs[k] = RawCodec{}
	}
	return r
}

// Register sets the codec of kind, replacing any previous one
func (r *Registry) Register(kind Kind, c Codec) {
	r.codecs[kind] = c
}

// Codec returns the codec of kind
func (r *Registry) Codec(kind Kind) (Codec, bool) {
	c, ok := r.codecs[kind]
	return c, ok
}

// SpecEqual compares two specs of kind, falling back to byte equality
func (r *Registry) SpecEqual(kind Kind, a, b json.RawMessage) bool {
	if c, ok := r.codecs[kind]; ok {
		return c.Equal(a, b)
	}
	return bytes.Equal(a, b)
}
