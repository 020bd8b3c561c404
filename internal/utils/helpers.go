// Package utils converts between domain values and the google.protobuf.Struct
// messages carried by the gRPC services.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcriber/internal/common"
)

// ToStruct renders v through its JSON form. v must encode as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	return out, nil
}

// FromStruct decodes s into out. Unknown keys are rejected so that typos in
// requests surface as ErrInvalidInput instead of silently defaulting.
func FromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s", common.ErrInvalidInput, strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

// Wrap puts a list under key so it can travel as a Struct.
func Wrap(key string, v any) (*structpb.Struct, error) {
	return ToStruct(map[string]any{key: v})
}

// StrOrEmpty dereferences p, mapping nil to "".
func StrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
