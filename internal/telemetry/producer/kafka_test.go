package producer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
)

var _ Producer = (*KafkaProducer)(nil)

func TestNewKafkaProducer_EmptyConfigIsNil(t *testing.T) {
	if p := NewKafkaProducer(nil, "topic"); p != nil {
		t.Error("no brokers should yield nil producer")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, ""); p != nil {
		t.Error("empty topic should yield nil producer")
	}
	var p *KafkaProducer
	if err := p.Emit(context.Background(), domain.NewEvent("x", "y")); err != nil {
		t.Errorf("nil Emit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestEncode_KeysByDevice(t *testing.T) {
	e := domain.NewEvent(domain.EventSessionStopped, "orchestrator")
	e.DeviceID = "dev-7"
	e.SessionID = "s1"
	msg, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(msg.Key) != "dev-7" {
		t.Errorf("key = %q, want dev-7", msg.Key)
	}
	var got domain.Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if got.SessionID != "s1" || got.EventType != domain.EventSessionStopped {
		t.Errorf("decoded = %+v", got)
	}
}
