package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is what clients send to address a topic.
type Envelope struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// ParseEnvelope decodes a client payload. A payload that is not a JSON
// object with a string channel and string message is rejected.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Channel == "" {
		return Envelope{}, fmt.Errorf("%w: missing channel", ErrInvalidEnvelope)
	}
	return env, nil
}

func echoReply(payload []byte) []byte {
	return append([]byte("[USER]: Echo message = "), payload...)
}

func errorReply(err error) []byte {
	return []byte("[USER]: Error " + err.Error())
}
