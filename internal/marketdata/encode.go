package marketdata

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding selects the wire format for subscribers.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// Encode marshals ev as JSON.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marketdata: encode %s: %w", ev.Kind, err)
	}
	return data, nil
}

// Decode parses a JSON-encoded event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("marketdata: decode: %w", err)
	}
	return ev, nil
}

// JSONToProto re-encodes a JSON event payload as a serialized
// google.protobuf.Struct.
func JSONToProto(data []byte) ([]byte, error) {
	var s structpb.Struct
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("marketdata: json to struct: %w", err)
	}
	out, err := proto.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marketdata: marshal struct: %w", err)
	}
	return out, nil
}

// ProtoToJSON reverses JSONToProto.
func ProtoToJSON(data []byte) ([]byte, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("marketdata: unmarshal struct: %w", err)
	}
	return s.MarshalJSON()
}
