package message

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	berr "github.com/next-trace/scg-service-rpc/contract/errors"
)

// DecodeBody copies a decoded body (usually a map[string]any) into dst, which
// must be a pointer. Struct fields are matched by their json tag; numbers and
// strings are converted where it is unambiguous.
func DecodeBody(src, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}

	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}

	return nil
}

// EncodeBody turns v into a body map through its JSON form, so json tags and
// omitempty apply. A map[string]any is returned as is; nil yields nil.
func EncodeBody(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	}

	raw, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	var body map[string]any
	if err := api.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("encode body: %T is not an object: %w", v, errors.Join(berr.ErrSerializationFailed, err))
	}

	return body, nil
}
