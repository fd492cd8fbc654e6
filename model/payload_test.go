package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_Canonical(t *testing.T) {
	p := NewPayload([]string{"id", "name"}, Record{"name": "widget", "id": "42"})

	raw, err := p.Canonical()
	require.NoError(t, err)

	// encoding/json sorts map keys, so the record portion is stable
	assert.Equal(t, `{"headers":["id","name"],"record":{"id":"42","name":"widget"}}`, raw)
}

func TestPayload_CanonicalIsDeterministic(t *testing.T) {
	a := NewPayload([]string{"id"}, Record{"a": "1", "b": "2", "c": "3"})
	b := NewPayload([]string{"id"}, Record{"c": "3", "b": "2", "a": "1"})

	rawA, err := a.Canonical()
	require.NoError(t, err)
	rawB, err := b.Canonical()
	require.NoError(t, err)

	assert.Equal(t, rawA, rawB)
}

func TestDecodePayload(t *testing.T) {
	original := NewPayload([]string{"id", "qty"}, Record{"id": "7", "qty": "3"})
	raw, err := original.Canonical()
	require.NoError(t, err)

	decoded, err := DecodePayload(raw)
	require.NoError(t, err)

	assert.Equal(t, original.Headers, decoded.Headers)
	assert.Equal(t, original.Record, decoded.Record)
}

func TestDecodePayload_InvalidJSON(t *testing.T) {
	_, err := DecodePayload("{not json")
	assert.Error(t, err)
}

func TestContentHash(t *testing.T) {
	hash := ContentHash("orders", "instance-1", `{"headers":["id"],"record":{"id":"42"}}`)

	// SHA-256 hex digest
	assert.Len(t, hash, 64)

	// Same inputs, same hash
	again := ContentHash("orders", "instance-1", `{"headers":["id"],"record":{"id":"42"}}`)
	assert.Equal(t, hash, again)
}

func TestContentHash_DiffersPerComponent(t *testing.T) {
	payload := `{"headers":["id"],"record":{"id":"42"}}`
	base := ContentHash("orders", "instance-1", payload)

	tests := []struct {
		name          string
		interfaceName string
		instanceID    string
		payload       string
	}{
		{"different interface", "invoices", "instance-1", payload},
		{"different producer instance", "orders", "instance-2", payload},
		{"different payload", "orders", "instance-1", `{"headers":["id"],"record":{"id":"43"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, ContentHash(tt.interfaceName, tt.instanceID, tt.payload))
		})
	}
}
