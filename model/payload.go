package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// tablePrefix is prepended to every table name owned by the relay so it can
// share a schema with application tables.
const tablePrefix = "relay_"

// Record is one flattened, debatched row: column name to string value.
// Sources with richer types flatten them before admission; the relay treats
// values as opaque strings.
type Record map[string]string

// Payload carries one record together with its header list. The header list
// preserves source column order, which map keys cannot.
type Payload struct {
	Headers []string `json:"headers"`
	Record  Record   `json:"record"`
}

// NewPayload builds a payload from a header list and one record.
func NewPayload(headers []string, record Record) Payload {
	return Payload{Headers: headers, Record: record}
}

// Canonical serializes the payload into its canonical JSON form.
// encoding/json emits map keys in sorted order, so two payloads with the
// same content always canonicalize to the same bytes. This form is what
// gets stored and hashed.
func (p Payload) Canonical() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePayload parses a canonical payload string back into a Payload.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// ContentHash derives the dedup identity of a submission: a SHA-256 hex
// digest over the interface name, the producer instance and the canonical
// payload. Components are separated by a zero byte so no two field
// boundaries can collide.
func ContentHash(interfaceName, producerInstanceID, canonicalPayload string) string {
	h := sha256.New()
	h.Write([]byte(interfaceName))
	h.Write([]byte{0})
	h.Write([]byte(producerInstanceID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalPayload))
	return hex.EncodeToString(h.Sum(nil))
}
