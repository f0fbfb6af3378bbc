package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// JSONIterCodec uses json-iterator configured for byte-for-byte compatibility
// with encoding/json, so both ends of a connection may pick different codecs.
// It honours json.Marshaler and json.RawMessage like the standard library.
type JSONIterCodec struct{}

var iter = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONIterCodec) Marshal(v any) ([]byte, error) {
	return iter.Marshal(v)
}

func (JSONIterCodec) Unmarshal(data []byte, v any) error {
	return iter.Unmarshal(data, v)
}

func (JSONIterCodec) Name() string {
	return NameJSONIter
}
