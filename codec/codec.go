// Package codec selects the JSON implementation used to encode packet
// envelopes and payloads. The wire format is always JSON; codecs differ only
// in speed and allocation behaviour.
package codec

import "fmt"

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

const (
	NameJSON     = "json"
	NameJSONIter = "jsoniter"
)

// ByName returns the codec registered under name. An empty name selects the
// standard library codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSONCodec{}, nil
	case NameJSONIter:
		return JSONIterCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Default is the codec used when none is configured.
func Default() Codec {
	return JSONCodec{}
}
