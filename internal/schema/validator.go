// Package schema validates inbound client messages against a JSON schema.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"transcription-gateway/internal/models"
)

var (
	// ErrInvalidJSON is returned when a payload is not a JSON document.
	ErrInvalidJSON = errors.New("invalid json")
	// ErrInvalidMessage is returned when a payload does not match the
	// inbound message schema.
	ErrInvalidMessage = errors.New("invalid message")
)

func intPtr(n int) *int { return &n }

func nullable(typ string) *jsonschema.Schema {
	return &jsonschema.Schema{Types: []string{typ, "null"}}
}

// InboundSchema describes every message a client may send. The message type
// is only required to be a string; unknown types are handled by the caller.
func InboundSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"type"},
		Properties: map[string]*jsonschema.Schema{
			"type":        {Type: "string", MinLength: intPtr(1)},
			"audio_data":  nullable("string"),
			"audio_bytes": nullable("string"),
			"chunk_id":    nullable("string"),
			"is_final":    nullable("boolean"),
		},
	}
}

// Validator checks raw client payloads and decodes them.
type Validator struct {
	inbound *jsonschema.Resolved
}

// New resolves the inbound schema.
func New() (*Validator, error) {
	resolved, err := InboundSchema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve inbound schema: %w", err)
	}
	return &Validator{inbound: resolved}, nil
}

// MustNew is New for package initialisation; it panics on error.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode validates payload and decodes it into an inbound message.
func (v *Validator) Decode(payload []byte) (models.InboundMessage, error) {
	var msg models.InboundMessage

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := v.inbound.Validate(doc); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}
