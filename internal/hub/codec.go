package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/heartbeat"
)

// ErrInvalidHeartbeat is returned for a heartbeat struct that does not decode to a valid message.
var ErrInvalidHeartbeat = errors.New("hub: invalid heartbeat")

// EncodeHeartbeat converts msg to its wire struct.
func EncodeHeartbeat(msg heartbeat.Message) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("hub: encode heartbeat: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("hub: encode heartbeat: %w", err)
	}
	return structpb.NewStruct(m)
}

// DecodeHeartbeat converts a wire struct back into a message and checks its envelope.
// Numbers travel as doubles, so timestamps keep full precision only below 2^53 ns.
func DecodeHeartbeat(s *structpb.Struct) (heartbeat.Message, error) {
	var msg heartbeat.Message
	if s == nil {
		return msg, ErrInvalidHeartbeat
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}
	switch {
	case msg.V != heartbeat.MessageVersion:
		return msg, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeartbeat, msg.V)
	case msg.Type != heartbeat.MessageTypeHeartbeat:
		return msg, fmt.Errorf("%w: unexpected type %q", ErrInvalidHeartbeat, msg.Type)
	case msg.DeviceID == "":
		return msg, fmt.Errorf("%w: missing device_id", ErrInvalidHeartbeat)
	}
	return msg, nil
}
