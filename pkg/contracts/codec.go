package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeStrict unmarshals JSON into dst, rejecting unknown fields and
// trailing garbage. Envelope decoding always goes through this: schemas
// declare additionalProperties=false and the decoder enforces the same.
func DecodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode envelope: trailing data after JSON value")
	}
	return nil
}

// EnvelopeHeader is the minimal shape shared by every envelope, used to
// discriminate type and version before full decoding.
type EnvelopeHeader struct {
	Version string `json:"version"`
	Type    string `json:"type"`
}

// PeekHeader extracts the version/type discriminators without decoding the
// full envelope.
func PeekHeader(data []byte) (EnvelopeHeader, error) {
	var h EnvelopeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return EnvelopeHeader{}, fmt.Errorf("peek envelope header: %w", err)
	}
	return h, nil
}
