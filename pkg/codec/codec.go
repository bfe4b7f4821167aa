// Package codec encodes the collections kept in the durable store.
//
// JSON is the default and matches the layout the extension has always
// persisted. CBOR (Core Deterministic Encoding) is available for backends
// where compact, byte-stable values matter; both honour the same `json`
// struct tags so the record types need no second set of tags.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec marshals collection values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// JSON is the encoding/json codec.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal keeps numbers as json.Number so major-unit limits are never
// routed through float64.
func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// Timestamps keep nanoseconds so content hashes survive a round trip.
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is the deterministic CBOR codec.
type CBOR struct{}

func (CBOR) Name() string { return NameCBOR }

func (CBOR) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (CBOR) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }
