package websocket

import (
	"encoding/json"

	"github.com/egor/ecochatserver/models"
)

// NewMessage wraps payload in the {type, payload} envelope.
func NewMessage(messageType string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Type: messageType, Payload: payloadJSON})
}

// NewErrorMessage builds an ERROR event.
func NewErrorMessage(errorText string) ([]byte, error) {
	return NewMessage(models.EventError, models.ErrorPayload{Message: errorText})
}

// ParseMessage decodes an incoming envelope.
func ParseMessage(raw []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}
