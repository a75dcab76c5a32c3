package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	InvoiceID string `json:"invoice_id"`
	Quantity  int    `json:"quantity"`
}

func TestDecodeMessageEnvelopedObject(t *testing.T) {
	env := NewEnvelope("billing-service", "rabbitmq-pubsub", "inventory-check", testPayload{
		InvoiceID: "inv-1",
		Quantity:  3,
	})
	body, err := env.Marshal()
	require.NoError(t, err)

	var got testPayload
	require.NoError(t, DecodeMessage(body, &got))
	assert.Equal(t, "inv-1", got.InvoiceID)
	assert.Equal(t, 3, got.Quantity)
}

func TestDecodeMessageStringEncodedData(t *testing.T) {
	// Some publishers double-encode: data arrives as a JSON string holding
	// JSON.
	inner, err := json.Marshal(testPayload{InvoiceID: "inv-2", Quantity: 1})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id":   "abc",
		"data": string(inner),
	})
	require.NoError(t, err)

	var got testPayload
	require.NoError(t, DecodeMessage(body, &got))
	assert.Equal(t, "inv-2", got.InvoiceID)
}

func TestDecodeMessageBarePayload(t *testing.T) {
	body, err := json.Marshal(testPayload{InvoiceID: "inv-3", Quantity: 7})
	require.NoError(t, err)

	var got testPayload
	require.NoError(t, DecodeMessage(body, &got))
	assert.Equal(t, "inv-3", got.InvoiceID)
	assert.Equal(t, 7, got.Quantity)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	var got testPayload
	assert.Error(t, DecodeMessage([]byte("not json"), &got))
}

func TestEnvelopeCarriesTopicAndSource(t *testing.T) {
	env := NewEnvelope("accounts-service", "rabbitmq-pubsub", "customer.deletion.request", map[string]string{"customer_id": "c1"})
	body, err := env.Marshal()
	require.NoError(t, err)

	var round Envelope
	require.NoError(t, json.Unmarshal(body, &round))
	assert.Equal(t, "customer.deletion.request", round.Topic)
	assert.Equal(t, "accounts-service", round.Source)
	assert.Equal(t, "com.dapr.event.sent", round.Type)
	assert.NotEmpty(t, round.ID)
}
