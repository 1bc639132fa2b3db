package rpcengine

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chrisguidry/kademlia-aio/id"
)

// direction discriminates request and reply frames on the wire.
type direction string

const (
	directionRequest direction = "request"
	directionReply   direction = "reply"
)

// frame is the CBOR-encoded envelope exchanged over UDP. It covers both
// shapes the protocol uses:
//
//	("request", message_id, procedure_name, positional_args, named_args)
//	("reply",   message_id, answer)
//
// as a single struct rather than a tagged union, so the decoder rejects
// anything that doesn't match this fixed grammar instead of constructing
// arbitrary types.
type frame struct {
	Direction  direction       `cbor:"1,keyasint"`
	MessageID  id.ID           `cbor:"2,keyasint"`
	Procedure  string          `cbor:"3,keyasint,omitempty"`
	Args       cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	NamedArgs  cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	Answer     cbor.RawMessage `cbor:"6,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func encodeRequest(messageID id.ID, procedure string, args []interface{}) ([]byte, error) {
	encodedArgs, err := encMode.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpcengine: encode args: %w", err)
	}
	f := frame{
		Direction: directionRequest,
		MessageID: messageID,
		Procedure: procedure,
		Args:      encodedArgs,
	}
	return encMode.Marshal(f)
}

func encodeReply(messageID id.ID, answer interface{}) ([]byte, error) {
	encodedAnswer, err := encMode.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("rpcengine: encode answer: %w", err)
	}
	f := frame{
		Direction: directionReply,
		MessageID: messageID,
		Answer:    encodedAnswer,
	}
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("rpcengine: malformed datagram: %w", err)
	}
	if f.Direction != directionRequest && f.Direction != directionReply {
		return frame{}, fmt.Errorf("rpcengine: malformed datagram: unknown direction %q", f.Direction)
	}
	return f, nil
}

// DecodeArgs unmarshals a request's CBOR-encoded positional argument
// array into out, one element per pointer, in order. It is a decoding
// convenience for Handler implementations.
func DecodeArgs(raw cbor.RawMessage, out ...interface{}) error {
	var elements []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &elements); err != nil {
		return fmt.Errorf("rpcengine: decode args: %w", err)
	}
	if len(elements) != len(out) {
		return fmt.Errorf("rpcengine: expected %d args, got %d", len(out), len(elements))
	}
	for i, el := range elements {
		if err := cbor.Unmarshal(el, out[i]); err != nil {
			return fmt.Errorf("rpcengine: decode arg %d: %w", i, err)
		}
	}
	return nil
}

// DecodeAnswer unmarshals a reply's CBOR-encoded answer into out.
func DecodeAnswer(raw cbor.RawMessage, out interface{}) error {
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpcengine: decode answer: %w", err)
	}
	return nil
}
