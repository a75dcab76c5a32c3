package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the CloudEvents-style wrapper every published event travels
// in, mirroring what Dapr's pub/sub building block puts on the wire.
type Envelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype"`
	Topic           string          `json:"topic"`
	PubsubName      string          `json:"pubsubname"`
	Time            string          `json:"time"`
	Data            json.RawMessage `json:"data"`
}

func NewEnvelope(source, pubsubName, topic string, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{
		ID:              uuid.NewString(),
		Source:          source,
		Type:            "com.dapr.event.sent",
		SpecVersion:     "1.0",
		DataContentType: "application/json",
		Topic:           topic,
		PubsubName:      pubsubName,
		Time:            time.Now().UTC().Format(time.RFC3339),
		Data:            data,
	}
}

func (e *Envelope) Marshal() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("envelope for %s has no data", e.Topic)
	}
	return json.Marshal(e)
}

// DecodeMessage unmarshals an event body into v. It accepts the three shapes
// seen on the wire: a full envelope with a JSON object in data, an envelope
// whose data is a double-encoded JSON string, and a bare payload published
// without an envelope.
func DecodeMessage(body []byte, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		data := env.Data
		if data[0] == '"' {
			var inner string
			if err := json.Unmarshal(data, &inner); err != nil {
				return fmt.Errorf("failed to decode string-encoded data: %w", err)
			}
			data = []byte(inner)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode event data: %w", err)
		}
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode event body: %w", err)
	}
	return nil
}
