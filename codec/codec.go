// Package codec defines the payload serialization used by the introspection
// server and client.
//
// The serialization format is pluggable: the server encodes every response
// body and every subscription frame with one [Codec] and advertises it in
// the Content-Type header, and the client picks the matching codec from that
// header. Two codecs are provided: [JSON] for human-readable output and
// [CBOR] for a compact binary form.
package codec

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Codec marshals and unmarshals payloads.
type Codec interface {
	// Name is the short identifier used in configuration ("json", "cbor").
	Name() string

	// ContentType is the MIME type advertised in HTTP responses.
	ContentType() string

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON encodes payloads with encoding/json.
	JSON Codec = jsonCodec{}

	// CBOR encodes payloads as RFC 8949 CBOR.
	CBOR Codec = newCBORCodec()
)

var registry = map[string]Codec{
	JSON.Name(): JSON,
	CBOR.Name(): CBOR,
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (expected one of %v)", name, Names())
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForContentType returns the codec whose content type matches header.
// Parameters such as charset are ignored. An empty header selects [JSON].
func ForContentType(header string) (Codec, error) {
	if header == "" {
		return JSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return nil, fmt.Errorf("invalid content type %q: %w", header, err)
	}
	for _, c := range registry {
		if c.ContentType() == mediaType {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported content type %q", mediaType)
}

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *cborCodec {
	// Sorted map keys keep dumps stable between calls.
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	// Decode generic maps with string keys so CBOR and JSON payloads have
	// the same shape once decoded into an interface value.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (*cborCodec) Name() string        { return "cbor" }
func (*cborCodec) ContentType() string { return "application/cbor" }

func (c *cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c *cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
