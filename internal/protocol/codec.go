// ABOUTME: Binary codecs for agent envelopes: msgpack (default) and CBOR.
// ABOUTME: The codec for a connection is chosen from the negotiated websocket subprotocol.

package protocol

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocol names offered during the websocket handshake.
const (
	SubprotocolMsgpack = "lasko.msgpack.v1"
	SubprotocolCBOR    = "lasko.cbor.v1"
)

// Subprotocols lists the supported subprotocols in order of preference.
var Subprotocols = []string{SubprotocolMsgpack, SubprotocolCBOR}

// Codec turns envelopes into frames and back.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// CodecForSubprotocol returns the codec for a negotiated subprotocol.
// Agents that negotiate nothing get msgpack, which is what the first agents spoke.
func CodecForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBORCodec{}
	}
	return MsgpackCodec{}
}

// MsgpackCodec encodes envelopes as MessagePack maps.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	w, err := toWire(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyFrame}
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return fromWire(&w)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBORCodec encodes envelopes as CBOR maps with string keys.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(env Envelope) ([]byte, error) {
	w, err := toWire(env)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(w)
}

func (CBORCodec) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyFrame}
	}
	var w wireEnvelope
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return fromWire(&w)
}
